package monitor

import (
	"errors"
	"fmt"
	"log"
	"os/exec"
	"runtime"
)

// Navigator sends the user to an auth server route. Open uses a new
// window; Navigate replaces the current view.
type Navigator interface {
	Open(url string) error
	Navigate(url string) error
}

// BrowserNavigator hands URLs to the desktop's default browser. A terminal
// has no current page to replace, so Navigate also opens a window.
type BrowserNavigator struct {
	Logger *log.Logger

	// command overrides the platform opener in tests.
	command func(url string) (string, []string)
}

func (n *BrowserNavigator) Open(url string) error {
	return n.launch(url)
}

func (n *BrowserNavigator) Navigate(url string) error {
	return n.launch(url)
}

func (n *BrowserNavigator) launch(url string) error {
	name, args := openerCommand(url)
	if n.command != nil {
		name, args = n.command(url)
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("no browser opener: %w", err)
	}
	cmd := exec.Command(path, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("opening %s: %w", url, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil && n.Logger != nil {
			n.Logger.Printf("browser opener exited: %v", err)
		}
	}()
	return nil
}

func openerCommand(url string) (string, []string) {
	switch runtime.GOOS {
	case "darwin":
		return "open", []string{url}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}
	default:
		return "xdg-open", []string{url}
	}
}

// Navigators tries each navigator in order and stops at the first that
// succeeds. The daemon puts its web views ahead of the desktop browser.
type Navigators []Navigator

func (ns Navigators) Open(url string) error {
	return ns.each(func(n Navigator) error { return n.Open(url) })
}

func (ns Navigators) Navigate(url string) error {
	return ns.each(func(n Navigator) error { return n.Navigate(url) })
}

func (ns Navigators) each(fn func(Navigator) error) error {
	var errs []error
	for _, n := range ns {
		err := fn(n)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return errors.New("no navigator configured")
	}
	return errors.Join(errs...)
}
