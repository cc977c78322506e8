package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/dayuer/stickerbot/internal/artifact"
	"github.com/dayuer/stickerbot/internal/bus"
)

// pipeline downloads, composites and delivers one sticker.
// Each step fails closed; nothing here touches the ledger.
func (c *Coordinator) pipeline(ctx context.Context, log *zap.Logger, correspondent string, ref bus.Ref) error {
	fetchCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	data, err := c.fetcher.Fetch(fetchCtx, ref)
	cancel()
	if err != nil {
		return stepErr(StepFetch, correspondent, err)
	}

	srcName, err := c.store(correspondent, data)
	if err != nil {
		return stepErr(StepFetch, correspondent, fmt.Errorf("save download: %w", err))
	}
	log.Debug("downloaded", zap.Int("bytes", len(data)), zap.String("file", srcName))

	out, err := c.compositor.Composite(data)
	if err != nil {
		return stepErr(StepComposite, correspondent, err)
	}
	outPath, cleanup, err := c.storeEdited(srcName, out)
	if err != nil {
		return stepErr(StepComposite, correspondent, fmt.Errorf("save edited: %w", err))
	}
	defer cleanup()
	log.Debug("composited", zap.String("file", outPath))

	sendCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	err = c.sender.SendImage(sendCtx, correspondent, outPath)
	cancel()
	if err != nil {
		return stepErr(StepDeliver, correspondent, err)
	}
	return nil
}

func (c *Coordinator) store(correspondent string, data []byte) (string, error) {
	if c.artifacts == nil {
		return "sticker" + artifact.ExtensionFor(data), nil
	}
	name := c.artifacts.NewName(correspondent, data)
	if _, err := c.artifacts.Save(name, data); err != nil {
		return "", err
	}
	return name, nil
}

// storeEdited writes the edited image. Without an artifact store it goes to
// a temp file, since senders need a path; cleanup removes that file.
func (c *Coordinator) storeEdited(srcName string, data []byte) (string, func(), error) {
	name := artifact.EditedName(srcName, c.compositor.Format().Ext())
	if c.artifacts != nil {
		path, err := c.artifacts.Save(name, data)
		return path, func() {}, err
	}
	f, err := os.CreateTemp("", "stickerbot-*-"+filepath.Base(name))
	if err != nil {
		return "", nil, err
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", nil, err
	}
	return path, func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("remove temp image failed", zap.String("file", path), zap.Error(err))
		}
	}, nil
}
