package oracle

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"alma.local/fsfuzz/remote"
	"alma.local/fsfuzz/tracer"
)

// Client dumps the state of each target with the hasher binary and compares
// the dumps.
type Client struct {
	// Hasher is the path of the hasher binary on the target machine.
	Hasher string
	// OutputDir receives the per-target JSON dumps on the target machine.
	OutputDir string
	Options   Options
	Timeout   time.Duration
	log       *logrus.Entry
}

// NewClient returns a client running hasher with opts.
func NewClient(hasher, outputDir string, opts Options, log *logrus.Entry) *Client {
	return &Client{
		Hasher:    hasher,
		OutputDir: outputDir,
		Options:   opts,
		Timeout:   time.Minute,
		log:       log.WithField("component", "oracle"),
	}
}

func (c *Client) dumpPath(fs string) string {
	return path.Join(c.OutputDir, "files-"+fs+".json")
}

// Dump runs the hasher over workspace and decodes its output.
func (c *Client) Dump(ctx context.Context, insp remote.Commander, fs, workspace string) ([]FileInfo, error) {
	out := c.dumpPath(fs)
	args := []string{"--target-path", workspace, "--output-path", out}
	if c.Options.Size {
		args = append(args, "--size")
	}
	if c.Options.FileHardlink || c.Options.DirHardlink {
		args = append(args, "--nlink")
	}
	if c.Options.Mode {
		args = append(args, "--mode")
	}
	if _, err := remote.Output(ctx, insp, remote.Command{Name: c.Hasher, Args: args, Timeout: c.Timeout}); err != nil {
		return nil, errors.Wrapf(err, "oracle: hash %s", fs)
	}
	data, err := insp.ReadFile(ctx, out)
	if err != nil {
		return nil, errors.Wrapf(err, "oracle: read dump of %s", fs)
	}
	var files []FileInfo
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, errors.Wrapf(err, "oracle: decode dump of %s", fs)
	}
	return files, nil
}

// Check dumps every target of res through insp and compares them.
func (c *Client) Check(ctx context.Context, insp remote.Commander, res *tracer.ExecutionResult) (Verdict, error) {
	targets := make([]Target, 0, len(res.Targets))
	for _, t := range res.Targets {
		files, err := c.Dump(ctx, insp, t.FS, t.Workspace)
		if err != nil {
			return Verdict{}, err
		}
		targets = append(targets, Target{FS: t.FS, Files: files, Trace: t.Trace})
	}
	v := Compare(c.Options, targets)
	if !v.Equal {
		c.log.WithField("dimensions", v.Dimensions()).Debug("targets diverged")
	}
	return v, nil
}
