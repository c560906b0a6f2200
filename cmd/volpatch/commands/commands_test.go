package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volpatch/pkg/config"
)

// run executes the root command with args and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := GetRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// writeConfig saves a small config pointing at root and returns its path.
func writeConfig(t *testing.T, dir, root string, modify func(*config.Config)) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Dataset.Root = root
	cfg.Queue.Length = 8
	cfg.Queue.SamplesPerVolume = 3
	cfg.Queue.NumWorkers = 2
	cfg.Queue.Epochs = 2
	cfg.Queue.BatchSize = 4
	cfg.Patch.Size = [3]int{8, 8, 6}
	cfg.Patch.Overlap = [3]int{2, 2, 2}
	cfg.Sampler.Type = "label+uniform"
	cfg.Sampler.Seed = 3
	cfg.Output.LogLevel = "error"
	if modify != nil {
		modify(cfg)
	}
	path := filepath.Join(dir, "volpatch.yaml")
	require.NoError(t, config.SaveConfig(cfg, path))
	return path
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volpatch.yaml")

	out, err := run(t, "init-config", "--config", path, "--force=false")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	_, err = run(t, "init-config", "--config", path, "--force=false")
	assert.ErrorContains(t, err, "already exists")

	_, err = run(t, "init-config", "--config", path, "--force")
	assert.NoError(t, err)
}

func TestSynthTrainInfer(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	dir := t.TempDir()
	root := filepath.Join(dir, "data")
	slicesDir := filepath.Join(dir, "slices")
	cfgPath := writeConfig(t, dir, root, func(c *config.Config) {
		c.Output.SlicesDir = slicesDir
	})

	out, err := run(t, "synth", "--config", cfgPath, "--out", root, "--subjects", "2", "--size", "20,16,12", "--seed", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote 2 subjects")
	for _, id := range []string{"subject_000", "subject_001"} {
		for _, ch := range []string{"t1", "label"} {
			_, err := os.Stat(filepath.Join(root, id, ch, "slice_z_011.jpg"))
			assert.NoError(t, err, "%s/%s", id, ch)
		}
	}

	out, err = run(t, "train", "--config", cfgPath)
	require.NoError(t, err)
	// 2 subjects x 3 samples in batches of 4
	assert.Contains(t, out, "Epoch 1: 2 batches, 6 patches from 2 subjects")
	assert.Contains(t, out, "Epoch 2: 2 batches, 6 patches from 2 subjects")

	out, err = run(t, "infer", "--config", cfgPath, "--subject", "subject_001", "--channel", "t1", "--model", "identity")
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("Reconstructed %d/%d voxels", 20*16*12, 20*16*12))
	assert.Contains(t, out, "Max absolute error: 0.000000")
	_, err = os.Stat(filepath.Join(slicesDir, "subject_001", "x", "slice_x_019.jpg"))
	assert.NoError(t, err)

	for _, model := range []string{"smooth", "lowpass"} {
		_, err = run(t, "infer", "--config", cfgPath, "--subject", "subject_001", "--channel", "t1", "--model", model)
		assert.NoError(t, err, model)
	}

	_, err = run(t, "infer", "--config", cfgPath, "--subject", "missing", "--channel", "t1", "--model", "identity")
	assert.ErrorContains(t, err, "not found")

	_, err = run(t, "infer", "--config", cfgPath, "--subject", "subject_000", "--channel", "t2", "--model", "identity")
	assert.ErrorContains(t, err, "no channel")

	_, err = run(t, "infer", "--config", cfgPath, "--subject", "subject_000", "--channel", "t1", "--model", "unet")
	assert.ErrorContains(t, err, "unknown model")
}
