package main

import (
	"embed"

	"gradeassist-desktop/internal/config"
	"gradeassist-desktop/internal/logging"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.DefaultLogger.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Init(cfg.LogLevel)

	app := NewApp(cfg)

	err = wails.Run(&options.App{
		Title:     "GradeAssist",
		Width:     1100,
		Height:    760,
		MinWidth:  800,
		MinHeight: 560,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 248, G: 249, B: 251, A: 1},
		OnStartup:        app.startup,
		OnShutdown:       app.shutdown,
		DragAndDrop: &options.DragAndDrop{
			EnableFileDrop:     true,
			DisableWebViewDrop: true,
		},
		Bind: []interface{}{
			app,
		},
	})
	if err != nil {
		logging.DefaultLogger.Errorf("Application error: %v", err)
	}
}
