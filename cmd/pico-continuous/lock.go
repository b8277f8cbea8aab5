// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "os/exec"

// lock runs the screen-lock command for username. The command's exit
// status is logged but not acted upon: by the time a lock is needed the
// session is already ending, and there is nothing better to do on
// failure than record it.
func (d *Daemon) lock(username string) {
	command := d.options.LockCommand
	d.logger.Info("locking desktop session", "username", username, "command", command)

	go func() {
		output, err := exec.Command(command, username).CombinedOutput()
		if err != nil {
			d.logger.Error("lock command failed", "username", username, "error", err, "output", string(output))
			return
		}
		d.logger.Info("lock command completed", "username", username)
	}()
}
