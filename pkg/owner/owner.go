// Package owner defines the (user, bot) key that scopes every memory
// operation. No read or write may cross two keys.
package owner

import (
	"strings"
	"unicode"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
)

// maxPartLen bounds each half of a key.
const maxPartLen = 128

// separator joins the two halves in String and Parse.
const separator = ":"

// Key identifies the owner of a memory record: one user talking to one bot.
type Key struct {
	// UserID is the platform user identifier
	UserID string `json:"user_id" yaml:"user_id"`

	// BotID is the bot persona the user is talking to
	BotID string `json:"bot_id" yaml:"bot_id"`
}

// New creates a Key. It does not validate; call Validate before use.
func New(userID, botID string) Key {
	return Key{UserID: userID, BotID: botID}
}

// Validate returns ErrInvalidOwnerKey when either part is blank, too long,
// or contains the separator or control characters.
func (k Key) Validate() error {
	if err := validatePart("user_id", k.UserID); err != nil {
		return err
	}
	return validatePart("bot_id", k.BotID)
}

func validatePart(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return errors.Wrap(errors.ErrInvalidOwnerKey, "%s is empty", name)
	}
	if len(v) > maxPartLen {
		return errors.Wrap(errors.ErrInvalidOwnerKey, "%s exceeds %d bytes", name, maxPartLen)
	}
	if strings.Contains(v, separator) {
		return errors.Wrap(errors.ErrInvalidOwnerKey, "%s contains %q", name, separator)
	}
	for _, r := range v {
		if unicode.IsControl(r) {
			return errors.Wrap(errors.ErrInvalidOwnerKey, "%s contains control characters", name)
		}
	}
	return nil
}

// String renders the key as "user:bot".
func (k Key) String() string {
	return k.UserID + separator + k.BotID
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.UserID == "" && k.BotID == ""
}

// Parse is the inverse of String. The result is validated.
func Parse(s string) (Key, error) {
	user, bot, ok := strings.Cut(s, separator)
	if !ok {
		return Key{}, errors.Wrap(errors.ErrInvalidOwnerKey, "missing %q in %q", separator, s)
	}
	k := Key{UserID: user, BotID: bot}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}
