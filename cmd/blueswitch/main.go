package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"
	"github.com/sirupsen/logrus"

	"blueswitch/internal/bluetooth"
	"blueswitch/internal/config"
	"blueswitch/internal/state"
)

const (
	AppVersion = "1.0.0"
	AppName    = "Blueswitch"
	AppID      = "io.github.blueswitch"
)

type App struct {
	fyneApp fyne.App
	window  fyne.Window
	holder  *state.Holder
	logger  *logrus.Logger

	// Widgets that need updating
	deviceList  *widget.List
	toggleBtn   *widget.Button
	refreshBtn  *widget.Button
	statusLabel *widget.Label
	busyBar     *widget.ProgressBarInfinite

	// Latest published state
	snapshot state.Snapshot

	selectedRow       int
	updatingSelection bool

	stopPolling chan struct{}
}

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		fmt.Fprintf(os.Stderr, "blueswitch: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()

	a := app.NewWithID(AppID)
	w := a.NewWindow(fmt.Sprintf("%s v%s", AppName, AppVersion))
	w.Resize(fyne.NewSize(420, 480))

	provider, err := bluetooth.NewProvider(cfg.Adapter, logger)
	if err != nil {
		// The original shows an empty list when the platform denies
		// access, so the app still comes up; the cause goes to the log.
		logger.Warnf("bluetooth unavailable: %v", err)
		provider = bluetooth.Empty{}
	}

	bsApp := &App{
		fyneApp:     a,
		window:      w,
		holder:      state.New(provider, a.Preferences(), logger),
		logger:      logger,
		selectedRow: -1,
		stopPolling: make(chan struct{}),
	}

	w.SetMainMenu(bsApp.buildMenu())
	w.SetContent(bsApp.buildUI())

	bsApp.holder.Subscribe(bsApp.applySnapshot)
	bsApp.holder.Refresh()
	bsApp.holder.RestoreSelection()

	bsApp.startPolling(cfg.PollInterval)
	if watcher, ok := provider.(bluetooth.Watcher); ok {
		go bsApp.watchLinkEvents(watcher.Events())
	}

	w.SetOnClosed(func() {
		bsApp.cleanup(provider)
	})
	w.ShowAndRun()
}

func (a *App) buildMenu() *fyne.MainMenu {
	aboutItem := fyne.NewMenuItem("About", func() {
		a.showAboutDialog()
	})

	helpMenu := fyne.NewMenu("Help", aboutItem)

	return fyne.NewMainMenu(helpMenu)
}

func (a *App) showAboutDialog() {
	content := container.NewVBox(
		widget.NewLabelWithStyle(AppName, fyne.TextAlignCenter, fyne.TextStyle{Bold: true}),
		widget.NewLabel(fmt.Sprintf("Version %s", AppVersion)),
		widget.NewSeparator(),
		widget.NewLabel("Connects and disconnects paired Bluetooth devices."),
		widget.NewLabel(""),
		widget.NewLabel("Built with Fyne and Go"),
	)

	dialog.ShowCustom("About", "Close", content, a.window)
}

func (a *App) buildUI() fyne.CanvasObject {
	a.statusLabel = widget.NewLabel("Loading devices...")

	a.busyBar = widget.NewProgressBarInfinite()
	a.busyBar.Hide()

	a.deviceList = widget.NewList(
		func() int {
			return len(a.snapshot.Devices)
		},
		func() fyne.CanvasObject {
			return widget.NewLabel("device")
		},
		func(id widget.ListItemID, obj fyne.CanvasObject) {
			if id < 0 || id >= len(a.snapshot.Devices) {
				return
			}
			obj.(*widget.Label).SetText(deviceRowText(a.snapshot.Devices[id]))
		},
	)
	a.deviceList.OnSelected = func(id widget.ListItemID) {
		if a.updatingSelection {
			return
		}
		if id < 0 || id >= len(a.snapshot.Devices) {
			return
		}
		a.selectedRow = id
		a.holder.SelectDevice(a.snapshot.Devices[id])
	}

	a.refreshBtn = widget.NewButton("↻", func() {
		a.holder.Refresh()
	})

	a.toggleBtn = widget.NewButton("Connect", func() {
		a.toggleConnection()
	})
	a.toggleBtn.Importance = widget.HighImportance
	a.toggleBtn.Disable()

	controls := container.NewBorder(nil, nil, nil, a.refreshBtn, a.toggleBtn)

	return container.NewBorder(
		controls,
		container.NewVBox(a.busyBar, a.statusLabel),
		nil, nil,
		a.deviceList,
	)
}

// deviceRowText renders one list row: name (or bare address when the
// device is unnamed), live link status, battery when known.
func deviceRowText(d bluetooth.Device) string {
	text := d.Address()
	if name := d.Name(); name != "" {
		text = fmt.Sprintf("%s (%s)", name, d.Address())
	}
	if d.Connected() {
		text += " • connected"
	}
	if pct, ok := d.Battery(); ok {
		text += fmt.Sprintf(" • %d%%", pct)
	}
	return text
}

func (a *App) toggleConnection() {
	if a.snapshot.Selected == nil {
		dialog.ShowError(fmt.Errorf("no device selected"), a.window)
		return
	}
	a.holder.ToggleConnection()
}

// applySnapshot re-renders every widget from the published state. It
// is the single subscriber of the state holder.
func (a *App) applySnapshot(snap state.Snapshot) {
	a.snapshot = snap
	a.deviceList.Refresh()
	a.syncListSelection(snap)

	if snap.Connecting {
		a.busyBar.Show()
		a.toggleBtn.Disable()
		a.refreshBtn.Disable()
		a.statusLabel.SetText(fmt.Sprintf("Connecting to %s...", bluetooth.DisplayName(snap.Selected)))
		return
	}

	a.busyBar.Hide()
	a.refreshBtn.Enable()

	if snap.Selected == nil {
		a.toggleBtn.SetText("Connect")
		a.toggleBtn.Disable()
	} else {
		a.toggleBtn.Enable()
		if snap.Selected.Connected() {
			a.toggleBtn.SetText("Disconnect")
		} else {
			a.toggleBtn.SetText("Connect")
		}
	}

	a.statusLabel.SetText(a.statusText(snap))
}

func (a *App) statusText(snap state.Snapshot) string {
	if snap.LastError != nil {
		return fmt.Sprintf("Error: %v", snap.LastError)
	}
	if snap.Selected != nil && snap.Selected.Connected() {
		return fmt.Sprintf("Connected to %s", bluetooth.DisplayName(snap.Selected))
	}
	return fmt.Sprintf("%d paired device(s)", len(snap.Devices))
}

// syncListSelection keeps the highlighted row on the holder's
// selection, identified by address. Covers the restored selection at
// startup and taps the holder rejected while connecting.
func (a *App) syncListSelection(snap state.Snapshot) {
	if snap.Selected == nil {
		return
	}
	for i, d := range snap.Devices {
		if d.Address() != snap.Selected.Address() {
			continue
		}
		if a.selectedRow != i {
			a.selectedRow = i
			a.updatingSelection = true
			a.deviceList.Select(i)
			a.updatingSelection = false
		}
		return
	}
}

// startPolling republishes state on a fixed period so link status
// changed outside the app shows up without a platform event.
func (a *App) startPolling(period time.Duration) {
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.holder.Republish()
			case <-a.stopPolling:
				return
			}
		}
	}()
}

func (a *App) watchLinkEvents(events <-chan bluetooth.ConnectionEvent) {
	for ev := range events {
		a.logger.Debugf("link change: %s connected=%v", ev.Address, ev.Connected)
		a.holder.Republish()
	}
}

func (a *App) cleanup(provider bluetooth.Provider) {
	close(a.stopPolling)
	if closer, ok := provider.(io.Closer); ok {
		closer.Close()
	}
}
