package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gradeassist-desktop/internal/api"
	"gradeassist-desktop/internal/config"
	"gradeassist-desktop/internal/crypto"
	"gradeassist-desktop/internal/database"
	"gradeassist-desktop/internal/events"
	"gradeassist-desktop/internal/logging"
	"gradeassist-desktop/internal/models"
	"gradeassist-desktop/internal/services/grading"
	"gradeassist-desktop/internal/services/history"
	"gradeassist-desktop/internal/services/upload"

	"github.com/wailsapp/wails/v2/pkg/runtime"
	"gorm.io/gorm"
)

// App struct - main application state
type App struct {
	ctx   context.Context
	cfg   *config.Config
	db    *gorm.DB
	vault *crypto.Vault

	client         *api.Client
	uploadManager  *upload.Manager
	gradingMonitor *grading.Monitor
	historyService *history.Service

	mu              sync.RWMutex
	selectedProfile *models.ServerProfile
	dropCategory    upload.Category
	dropOptions     upload.EnqueueOptions
}

// NewApp creates a new App application struct
func NewApp(cfg *config.Config) *App {
	return &App{
		cfg:          cfg,
		dropCategory: upload.CategoryHomework,
	}
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	logging.DefaultLogger.Info("Application starting up...")

	if err := a.initServices(events.NewWailsEmitter(ctx)); err != nil {
		logging.DefaultLogger.Fatalf("Startup failed: %v", err)
	}

	runtime.OnFileDrop(ctx, func(x, y int, paths []string) {
		a.handleFileDrop(paths)
	})

	logging.DefaultLogger.Info("Startup complete")
}

// initServices wires the orchestrator. Split from startup so it can run
// without a desktop window.
func (a *App) initServices(emitter events.Emitter) error {
	// Tokens cannot be saved without encryption
	vault, err := crypto.LoadVault()
	if err != nil {
		return fmt.Errorf("encryption initialization failed: %w", err)
	}
	a.vault = vault

	db, err := database.Init(a.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db

	a.historyService = history.NewService(db, nil)
	retention := a.cfg.History.Retention()
	if err := a.historyService.StartRetention(a.cfg.History.PruneCron, retention); err != nil {
		logging.DefaultLogger.Warnf("History retention disabled: %v", err)
	}

	a.client = api.NewClient(a.cfg.Backend.URL, a.cfg.Backend.Token, a.cfg.Backend.RequestTimeout)
	if err := a.restoreSelectedProfile(); err != nil {
		logging.DefaultLogger.Warnf("Failed to restore selected profile: %v", err)
	}

	a.gradingMonitor = grading.NewMonitor(a.cfg.Grading, a.client, emitter,
		grading.WithStore(a.historyService))

	a.uploadManager = upload.NewManager(a.cfg.Upload, a.cfg.Backend.RequestTimeout, a.client, emitter,
		upload.WithTracker(a.gradingMonitor),
		upload.WithStore(a.historyService))

	logging.DefaultLogger.Infof("Connected to grading backend at %s", a.client.BaseURL())
	return nil
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	logging.DefaultLogger.Info("Application shutting down...")

	if a.gradingMonitor != nil {
		a.gradingMonitor.Stop()
	}
	if a.historyService != nil {
		a.historyService.Stop()
	}

	if err := database.Close(); err != nil {
		logging.DefaultLogger.Errorf("Error closing database: %v", err)
	}

	logging.DefaultLogger.Info("Shutdown complete")
}

// ====================================================================================
// WAILS-BOUND METHODS - Exposed to Frontend
// ====================================================================================

// Upload Methods

// UploadFiles queues local files for upload and grading
func (a *App) UploadFiles(paths []string, category string, assignmentID string) (*upload.EnqueueResult, error) {
	files := make([]upload.FileDescriptor, 0, len(paths))
	var unreadable []upload.Rejection

	for _, p := range paths {
		desc, err := upload.DescribeFile(p)
		if err != nil {
			unreadable = append(unreadable, upload.Rejection{
				File:   upload.FileDescriptor{Path: p, Name: p},
				Reason: err.Error(),
			})
			continue
		}
		files = append(files, desc)
	}

	if len(files) == 0 && len(unreadable) > 0 {
		return &upload.EnqueueResult{TaskIDs: []string{}, Rejected: unreadable}, nil
	}

	result, err := a.uploadManager.Enqueue(files, upload.Category(category), upload.EnqueueOptions{
		AssignmentID: assignmentID,
	})
	if err != nil {
		return nil, err
	}
	result.Rejected = append(result.Rejected, unreadable...)
	return result, nil
}

// SelectAndUploadFiles opens a file picker and uploads the chosen files
func (a *App) SelectAndUploadFiles(category string, assignmentID string) (*upload.EnqueueResult, error) {
	paths, err := runtime.OpenMultipleFilesDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Select homework pages",
		Filters: []runtime.FileFilter{
			{DisplayName: "Images and PDFs", Pattern: "*.jpg;*.jpeg;*.png;*.webp;*.heic;*.pdf"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open file dialog: %w", err)
	}
	if len(paths) == 0 {
		return &upload.EnqueueResult{TaskIDs: []string{}, Rejected: []upload.Rejection{}}, nil
	}
	return a.UploadFiles(paths, category, assignmentID)
}

// SetDropTarget chooses the category used for files dropped on the window
func (a *App) SetDropTarget(category string, assignmentID string) error {
	c := upload.Category(category)
	if !c.Valid() {
		return fmt.Errorf("unknown upload category %q", category)
	}

	a.mu.Lock()
	a.dropCategory = c
	a.dropOptions = upload.EnqueueOptions{AssignmentID: assignmentID}
	a.mu.Unlock()
	return nil
}

func (a *App) handleFileDrop(paths []string) {
	a.mu.RLock()
	category, opts := a.dropCategory, a.dropOptions
	a.mu.RUnlock()

	result, err := a.UploadFiles(paths, string(category), opts.AssignmentID)
	if err != nil {
		logging.DefaultLogger.Warnf("Dropped files were not queued: %v", err)
		return
	}
	if result.Duplicate {
		logging.DefaultLogger.Debug("Ignored repeated drop event")
	}
}

// RetryUpload re-runs a failed upload
func (a *App) RetryUpload(taskID string) error {
	return a.uploadManager.Retry(taskID)
}

// RemoveUpload dismisses a finished upload
func (a *App) RemoveUpload(taskID string) error {
	return a.uploadManager.Remove(taskID)
}

// ListUploads returns the visible upload queue
func (a *App) ListUploads() []upload.Task {
	return a.uploadManager.List()
}

// GetBatchResult returns the aggregate outcome of one upload batch
func (a *App) GetBatchResult(batchID string) (*BatchResultResponse, error) {
	result, done, err := a.uploadManager.BatchResult(batchID)
	if err != nil {
		return nil, err
	}
	return &BatchResultResponse{BatchResult: result, Finished: done}, nil
}

// Grading Methods

// TrackSubmission starts monitoring an existing submission
func (a *App) TrackSubmission(submissionID string) error {
	err := a.gradingMonitor.Track(strings.TrimSpace(submissionID))
	if errors.Is(err, grading.ErrAlreadyTracking) {
		return nil
	}
	return err
}

// GetGradingSession returns the state of a monitored submission
func (a *App) GetGradingSession(submissionID string) (*grading.Session, error) {
	s, err := a.gradingMonitor.Session(submissionID)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetActiveGradingSession returns the session currently polled, or nil
func (a *App) GetActiveGradingSession() *grading.Session {
	s, ok := a.gradingMonitor.Active()
	if !ok {
		return nil
	}
	return &s
}

// ListGradingSessions returns every visible session
func (a *App) ListGradingSessions() []grading.Session {
	return a.gradingMonitor.Sessions()
}

// StopGradingMonitor stops polling the active submission
func (a *App) StopGradingMonitor() {
	a.gradingMonitor.Stop()
}

// DismissGradingSession hides a finished session
func (a *App) DismissGradingSession(submissionID string) error {
	return a.gradingMonitor.Dismiss(submissionID)
}

// History Methods

// ListSubmissionHistory returns recent uploads with their grading outcome
func (a *App) ListSubmissionHistory(limit int) ([]models.SubmissionRecord, error) {
	return a.historyService.List(limit)
}

// PruneHistory removes records older than the retention period now
func (a *App) PruneHistory() (int64, error) {
	return a.historyService.Prune(a.cfg.History.Retention())
}

// GetLastRetentionRun returns the latest pruning run, or nil
func (a *App) GetLastRetentionRun() (*models.RetentionRun, error) {
	return a.historyService.LastRun()
}

// Profile Management Methods

// ListProfiles returns all server profiles
func (a *App) ListProfiles() ([]models.ServerProfile, error) {
	var profiles []models.ServerProfile
	if err := a.db.Order("name").Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}

// CreateProfile stores a new backend profile with an encrypted token
func (a *App) CreateProfile(req ProfileRequest) (*models.ServerProfile, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	tokenEnc, err := a.vault.SealToken(req.Token)
	if err != nil {
		return nil, err
	}

	profile := &models.ServerProfile{
		Name:     req.Name,
		BaseURL:  strings.TrimRight(req.BaseURL, "/"),
		Username: req.Username,
		TokenEnc: tokenEnc,
	}
	if err := a.db.Create(profile).Error; err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}
	return profile, nil
}

// UpdateProfile updates an existing profile. An empty token keeps the stored one.
func (a *App) UpdateProfile(profileID string, req ProfileRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	var profile models.ServerProfile
	if err := a.db.Where("id = ?", profileID).First(&profile).Error; err != nil {
		return err
	}

	profile.Name = req.Name
	profile.BaseURL = strings.TrimRight(req.BaseURL, "/")
	profile.Username = req.Username

	if req.Token != "" {
		tokenEnc, err := a.vault.SealToken(req.Token)
		if err != nil {
			return err
		}
		profile.TokenEnc = tokenEnc
	}

	if err := a.db.Save(&profile).Error; err != nil {
		return err
	}

	// Keep the live client in sync with the selected profile
	a.mu.RLock()
	selected := a.selectedProfile != nil && a.selectedProfile.ID == profileID
	a.mu.RUnlock()
	if selected {
		return a.applyProfile(&profile)
	}
	return nil
}

// DeleteProfile deletes a server profile. Deleting the selected profile
// points the client back at the configured backend.
func (a *App) DeleteProfile(profileID string) error {
	if err := a.db.Where("id = ?", profileID).Delete(&models.ServerProfile{}).Error; err != nil {
		return err
	}

	a.mu.Lock()
	selected := a.selectedProfile != nil && a.selectedProfile.ID == profileID
	if selected {
		a.selectedProfile = nil
	}
	a.mu.Unlock()

	if selected {
		a.client.UpdateCredentials(a.cfg.Backend.URL, a.cfg.Backend.Token)
		logging.DefaultLogger.Infof("Selected profile deleted, using %s", a.cfg.Backend.URL)
	}
	return nil
}

// SelectProfile makes a profile the active backend
func (a *App) SelectProfile(profileID string) error {
	var profile models.ServerProfile
	if err := a.db.Where("id = ?", profileID).First(&profile).Error; err != nil {
		return err
	}

	err := a.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ServerProfile{}).Where("active = ?", true).Update("active", false).Error; err != nil {
			return err
		}
		return tx.Model(&profile).Update("active", true).Error
	})
	if err != nil {
		return fmt.Errorf("failed to select profile: %w", err)
	}

	if err := a.applyProfile(&profile); err != nil {
		return err
	}
	logging.DefaultLogger.Infof("Selected profile: %s", profile.Name)
	return nil
}

// GetSelectedProfile returns the currently selected profile
func (a *App) GetSelectedProfile() *models.ServerProfile {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.selectedProfile
}

func (a *App) applyProfile(profile *models.ServerProfile) error {
	token, err := a.vault.OpenToken(profile.TokenEnc)
	if err != nil {
		return fmt.Errorf("failed to decrypt token for %s: %w", profile.Name, err)
	}

	a.client.UpdateCredentials(profile.BaseURL, token)

	a.mu.Lock()
	a.selectedProfile = profile
	a.mu.Unlock()
	return nil
}

func (a *App) restoreSelectedProfile() error {
	var profile models.ServerProfile
	err := a.db.Where("active = ?", true).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return a.applyProfile(&profile)
}

// ====================================================================================
// REQUEST/RESPONSE TYPES
// ====================================================================================

// ProfileRequest represents a request to create/update a server profile
type ProfileRequest struct {
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Token    string `json:"token"` // Plain text, will be encrypted
}

func (r ProfileRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return &upload.ValidationError{Field: "Name", Message: "required"}
	}
	if !strings.HasPrefix(r.BaseURL, "http://") && !strings.HasPrefix(r.BaseURL, "https://") {
		return &upload.ValidationError{Field: "BaseURL", Message: "must start with http:// or https://"}
	}
	return nil
}

// BatchResultResponse reports a batch outcome and whether it is final
type BatchResultResponse struct {
	upload.BatchResult
	Finished bool `json:"finished"`
}
