package svc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceArgs(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		mode, conf string
		ok         bool
	}{
		{"interactive", []string{"chunkvault", "serve"}, "", "", false},
		{"serve", []string{"chunkvault", "--service-run", "serve", "--config", "/etc/cv.yaml"}, "serve", "/etc/cv.yaml", true},
		{"short flag", []string{"chunkvault", "--service-run", "worker", "-c", "w.yaml"}, "worker", "w.yaml", true},
		{"no config", []string{"chunkvault", "--service-run", "serve"}, "serve", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, conf, ok := ServiceArgs(tt.args)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.mode, mode)
			assert.Equal(t, tt.conf, conf)
		})
	}
}

func TestServiceConfigArguments(t *testing.T) {
	sc := serviceConfig(&Config{Name: "cv", Mode: ModeWorker, ConfigPath: "/etc/chunkvault/worker.yaml"})
	assert.Equal(t, []string{"--service-run", "worker", "--config", "/etc/chunkvault/worker.yaml"}, sc.Arguments)

	mode, conf, ok := ServiceArgs(append([]string{"chunkvault"}, sc.Arguments...))
	require.True(t, ok)
	assert.Equal(t, ModeWorker, mode)
	assert.Equal(t, "/etc/chunkvault/worker.yaml", conf)
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, "chunkvault", DefaultName(ModeServe))
	assert.Equal(t, "chunkvault-worker", DefaultName(ModeWorker))
	assert.True(t, ValidMode(ModeServe))
	assert.False(t, ValidMode("join"))
	assert.NotEqual(t, DefaultConfigPath(ModeServe), DefaultConfigPath(ModeWorker))
}

func TestProgramLifecycle(t *testing.T) {
	started := make(chan string, 1)
	prg := &Program{
		Mode:       ModeServe,
		ConfigPath: "cfg.yaml",
		Run: func(ctx context.Context, path string) error {
			started <- path
			<-ctx.Done()
			return ctx.Err()
		},
	}

	require.NoError(t, prg.Start(nil))
	assert.Equal(t, "cfg.yaml", <-started)
	assert.NoError(t, prg.Stop(nil))
}

func TestProgramStopReportsFailure(t *testing.T) {
	boom := errors.New("boom")
	prg := &Program{Run: func(context.Context, string) error { return boom }}

	require.NoError(t, prg.Start(nil))
	assert.ErrorIs(t, prg.Stop(nil), boom)
}

func TestProgramWithoutRunner(t *testing.T) {
	assert.Error(t, (&Program{Mode: ModeServe}).Start(nil))
}

func TestLogCommand(t *testing.T) {
	name, args, err := logCommand("linux", LogOptions{ServiceName: "chunkvault", Follow: true})
	require.NoError(t, err)
	assert.Equal(t, "journalctl", name)
	assert.Equal(t, []string{"-u", "chunkvault", "-n", "50", "--no-pager", "-f"}, args)

	_, _, err = logCommand("plan9", LogOptions{ServiceName: "chunkvault"})
	assert.Error(t, err)
}

func TestControlRejectsUnknownAction(t *testing.T) {
	assert.Error(t, Control(&Config{Name: "cv", Mode: ModeServe}, "reload"))
}
