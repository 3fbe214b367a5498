package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// logCommand returns the platform command that shows a service's logs.
func logCommand(goos string, opts LogOptions) (string, []string, error) {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	switch goos {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", strconv.Itoa(opts.Lines), "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return "journalctl", args, nil
	case "darwin":
		// launchd writes to the files kardianos configures
		args := []string{"-n", strconv.Itoa(opts.Lines)}
		if opts.Follow {
			args = append(args, "-f")
		}
		args = append(args,
			fmt.Sprintf("/usr/local/var/log/%s.out.log", opts.ServiceName),
			fmt.Sprintf("/usr/local/var/log/%s.err.log", opts.ServiceName))
		return "tail", args, nil
	case "windows":
		script := fmt.Sprintf(
			"Get-WinEvent -FilterHashtable @{LogName='Application'; ProviderName='%s'} -MaxEvents %d | Format-Table TimeCreated,LevelDisplayName,Message -AutoSize -Wrap",
			opts.ServiceName, opts.Lines)
		return "powershell", []string{"-NoProfile", "-Command", script}, nil
	default:
		return "", nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}

// ViewLogs shows service logs with the platform's tool.
func ViewLogs(opts LogOptions) error {
	name, args, err := logCommand(runtime.GOOS, opts)
	if err != nil {
		return err
	}
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}
