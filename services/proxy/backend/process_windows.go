// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package backend

import (
	"errors"
	"os"
	"os/exec"
)

func prepareCommand(cmd *exec.Cmd) {}

// killProcessTree kills the backend process.
//
// TODO: kill child processes through a job object (x/sys/windows) once the
// backend is launched on Windows hosts.
func killProcessTree(p *os.Process) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
