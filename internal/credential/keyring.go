// Package credential stores the bot token outside the configuration file.
package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "taskbot"

// TelegramTokenKey is the keyring key holding the Bot API token.
const TelegramTokenKey = "telegram-bot-token"

// TelegramTokenEnv overrides the keyring when set.
const TelegramTokenEnv = "TASKBOT_TELEGRAM_TOKEN"

// ErrNoToken is returned when no token is configured anywhere.
var ErrNoToken = errors.New("no telegram bot token configured")

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir(),
		FilePasswordFunc:         keyring.FixedStringPrompt("taskbot-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func fileDir() string {
	if dir := os.Getenv("TASKBOT_CREDENTIALS_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "~/.config/taskbot/credentials"
	}
	return filepath.Join(home, ".config", "taskbot", "credentials")
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key,
		Label: "taskbot " + key,
		Data:  []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// TelegramToken resolves the bot token from the environment first, then
// from the keyring.
func TelegramToken() (string, error) {
	if tok := strings.TrimSpace(os.Getenv(TelegramTokenEnv)); tok != "" {
		return tok, nil
	}
	tok, err := Get(TelegramTokenKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(tok) == "" {
		return "", ErrNoToken
	}
	return strings.TrimSpace(tok), nil
}
