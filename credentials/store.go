package credentials

import (
	"encoding/json"

	serrors "github.com/jrsteele09/go-storefront-session/internal/errors"
	"github.com/pkg/errors"
)

// Persisted keys. All three are present together or absent together.
const (
	KeyToken        = "token"
	KeyRefreshToken = "refreshToken"
	KeyUser         = "user"
)

// Store is durable key/value persistence of the current session's credential.
// Implementations write all keys as one unit: a reader never observes a token
// from one credential next to the user of another.
type Store interface {
	// Save persists the credential, replacing any previous one
	Save(credential *Credential) error

	// Load returns the persisted credential, or nil if there is none
	Load() (*Credential, error)

	// Clear removes the persisted credential; clearing an empty store is not an error
	Clear() error
}

// Encode composes the persisted key/value record of a credential.
func Encode(credential *Credential) (map[string]string, error) {
	if err := credential.Validate(); err != nil {
		return nil, err
	}
	user, err := json.Marshal(credential.User)
	if err != nil {
		return nil, errors.Wrap(err, "[credentials.Encode] marshal user")
	}
	return map[string]string{
		KeyToken:        credential.AccessToken,
		KeyRefreshToken: credential.RefreshToken,
		KeyUser:         string(user),
	}, nil
}

// Decode rebuilds a credential from its persisted record. An empty record is
// (nil, nil); a record missing any key is ErrPartialCredential.
func Decode(record map[string]string) (*Credential, error) {
	present := 0
	for _, key := range []string{KeyToken, KeyRefreshToken, KeyUser} {
		if record[key] != "" {
			present++
		}
	}
	switch present {
	case 0:
		return nil, nil
	case 3:
	default:
		return nil, errors.Wrap(serrors.ErrPartialCredential, "[credentials.Decode] stored record is incomplete")
	}

	credential := &Credential{
		AccessToken:  record[KeyToken],
		RefreshToken: record[KeyRefreshToken],
	}
	if err := json.Unmarshal([]byte(record[KeyUser]), &credential.User); err != nil {
		return nil, errors.Wrap(serrors.ErrPartialCredential, "[credentials.Decode] stored user is not valid JSON")
	}
	if err := credential.Validate(); err != nil {
		return nil, err
	}
	return credential, nil
}
