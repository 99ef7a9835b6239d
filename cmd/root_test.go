package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/incident-harvester/internal/app"
	"github.com/JakeFAU/incident-harvester/internal/config"
	"github.com/JakeFAU/incident-harvester/internal/dispatcher"
	"github.com/JakeFAU/incident-harvester/internal/incident"
	"github.com/JakeFAU/incident-harvester/internal/worker"
)

type fakeApp struct {
	opts         app.Options
	scanLower    incident.RecordID
	scanUpper    incident.RecordID
	validateArgs [2]incident.RecordID
	summary      dispatcher.Summary
	err          error
	closed       bool
}

func (f *fakeApp) RunID() string { return "run-1" }

func (f *fakeApp) Scan(_ context.Context, lower, upper incident.RecordID) (dispatcher.Summary, error) {
	f.scanLower, f.scanUpper = lower, upper
	return f.summary, f.err
}

func (f *fakeApp) Validate(_ context.Context, lower, upper incident.RecordID) (dispatcher.Summary, error) {
	f.validateArgs = [2]incident.RecordID{lower, upper}
	return f.summary, f.err
}

func (f *fakeApp) Close() { f.closed = true }

// useFakeApp swaps the factory; tests using it must not run in parallel.
func useFakeApp(t *testing.T, fake *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, opts app.Options) (App, error) {
		fake.opts = opts
		return fake, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScanFlagsOverrideConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "harvest.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("scan:\n  lower: 5\n  upper: 50\n  workers: 3\n"), 0o600))

	fake := &fakeApp{summary: dispatcher.Summary{
		Processed: 10, Found: 4,
		Reports: []worker.Report{{Partition: "10-20", Status: worker.StatusSucceeded, Processed: 10, Found: 4}},
	}}
	useFakeApp(t, fake)

	out, err := execute(t, "scan", "--config", cfgPath, "--lower", "10", "--upper", "20", "--no-bars", "--mode", "discover")
	require.NoError(t, err)
	assert.Equal(t, incident.RecordID(10), fake.scanLower)
	assert.Equal(t, incident.RecordID(20), fake.scanUpper)
	assert.Equal(t, 3, fake.opts.Config.Scan.Workers)
	assert.Equal(t, config.ModeDiscover, fake.opts.Config.Scan.Mode)
	assert.False(t, fake.opts.Config.Progress.Bars)
	assert.Nil(t, fake.opts.BarOutput)
	assert.True(t, fake.closed)
	assert.Contains(t, out, "run run-1: 1 partitions, 10 processed, 4 found")
	assert.Contains(t, out, "10-20")
}

func TestScanRequiresRange(t *testing.T) {
	useFakeApp(t, &fakeApp{})

	_, err := execute(t, "scan", "--no-bars")
	require.ErrorIs(t, err, errNoRange)
}

func TestScanReportsInterruption(t *testing.T) {
	useFakeApp(t, &fakeApp{summary: dispatcher.Summary{
		Reports: []worker.Report{{Partition: "0-10", Status: worker.StatusCanceled}},
	}})

	_, err := execute(t, "scan", "--lower", "0", "--upper", "10", "--no-bars")
	require.ErrorIs(t, err, context.Canceled)
}

func TestScanPropagatesSpanErrors(t *testing.T) {
	boom := errors.New("span 0-10 failed")
	useFakeApp(t, &fakeApp{err: boom})

	_, err := execute(t, "scan", "--lower", "0", "--upper", "10", "--no-bars")
	require.ErrorIs(t, err, boom)
}

func TestScanRejectsInvalidConfig(t *testing.T) {
	useFakeApp(t, &fakeApp{})

	_, err := execute(t, "scan", "--lower", "10", "--upper", "5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan.upper must be > scan.lower")
}

func TestValidateOpenUpperBound(t *testing.T) {
	fake := &fakeApp{}
	useFakeApp(t, fake)

	_, err := execute(t, "validate", "--seed-file", "seeds.csv", "--lower", "7", "--no-bars")
	require.NoError(t, err)
	assert.Equal(t, incident.RecordID(7), fake.validateArgs[0])
	assert.Equal(t, incident.RecordID(1<<63-1), fake.validateArgs[1])
	assert.Equal(t, "seeds.csv", fake.opts.Config.Scan.SeedFile)
}

func TestVersionSkipsConfig(t *testing.T) {
	out, err := execute(t, "version", "--config", "/does/not/exist.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "harvester version:")
}
