//go:build linux

package keepawake

import (
	"os/exec"
)

// NewDefaultAdapter returns the systemd-logind adapter. The block lock is
// held for as long as the inhibited child runs.
func NewDefaultAdapter() Adapter {
	return &commandAdapter{
		name: "systemd-inhibit",
		args: []string{
			"--what=idle:sleep",
			"--who=grlctl",
			"--why=GRL test run in progress",
			"--mode=block",
			"sleep", "infinity",
		},
		execCmd: exec.Command,
	}
}
