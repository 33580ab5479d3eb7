package robin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/robinmta/robin/mime"
	"github.com/robinmta/robin/utils"
)

// StorageClient receives each accepted message body together with the
// session and envelope it belongs to. Implementations are free to save
// or discard.
type StorageClient interface {
	Save(session *Session, env *Envelope, data []byte) error
}

// DiscardStorage drops every message. Harnesses that only assert on the
// transaction log use it.
type DiscardStorage struct{}

// Save discards the message.
func (DiscardStorage) Save(*Session, *Envelope, []byte) error {
	return nil
}

// LocalStorageClient saves messages on disk under
// <root>/<domain>/<local>/<YYYYMMDD>.<session-uid>.eml, derived from
// the first recipient. An X-Robin-Filename header in the saved message
// requests a rename to the supplied value, overwriting any preexisting
// target.
type LocalStorageClient struct {
	root   string
	logger *slog.Logger
}

// NewLocalStorageClient creates a client rooted at config.Path.
func NewLocalStorageClient(config StorageConfig, logger *slog.Logger) *LocalStorageClient {
	root := config.Path
	if root == "" {
		root = filepath.Join(os.TempDir(), "store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalStorageClient{root: root, logger: logger}
}

// Save writes the message and applies the rename convention.
func (c *LocalStorageClient) Save(session *Session, env *Envelope, data []byte) error {
	dir := c.root
	if len(env.Recipients) > 0 {
		local, domain := splitMailbox(env.Recipients[0])
		if domain != "" {
			dir = filepath.Join(
				c.root,
				utils.SanitizePathComponent(utils.NormalizeDomain(domain)),
				utils.SanitizePathComponent(local),
			)
		}
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("storage: create path: %w", err)
	}

	fileName := time.Now().Format("20060102") + "." + strconv.FormatUint(session.UID, 10) + ".eml"
	path := filepath.Join(dir, fileName)

	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("storage: write: %w", err)
	}
	env.File = path
	c.logger.Info("storage file saved", slog.String("file", path))

	if renamed, err := c.rename(dir, path); err != nil {
		c.logger.Error("storage rename failed", slog.Any("error", err))
	} else if renamed != "" {
		env.File = renamed
	}

	return nil
}

// rename reparses the saved file headers-only and applies an
// X-Robin-Filename header when present. The target stays confined to
// the message's own directory; an existing target is overwritten.
func (c *LocalStorageClient) rename(dir, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	parser := mime.NewParserWithLogger(f, c.logger)
	err = parser.ParseHeaders()
	f.Close()
	if err != nil {
		return "", err
	}

	value := parser.Headers().GetValue("X-Robin-Filename")
	if value == "" {
		return "", nil
	}

	target := filepath.Join(dir, utils.SanitizePathComponent(value))
	if err := os.Rename(path, target); err != nil {
		return "", err
	}
	c.logger.Info("storage moved file", slog.String("file", target))
	return target, nil
}
