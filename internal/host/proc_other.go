//go:build !unix

package host

import (
	"errors"
	"os"
	"os/exec"
)

func killProcess(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func spawnDetached(path string) error {
	cmd := exec.Command(path)
	if err := cmd.Start(); err != nil {
		return err
	}
	if cmd.Process == nil {
		return errors.New("process did not start")
	}
	go cmd.Wait() //nolint:errcheck
	return nil
}
