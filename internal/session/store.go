package session

import (
	"context"
	"errors"
	"time"

	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/model"
)

// DefaultCredentialPath is where the durable credential document lives.
const DefaultCredentialPath = "config/upstreamSession"

// DocCredentialStore persists the credential as one document.
type DocCredentialStore struct {
	store docstore.Store
	path  string
}

// NewDocCredentialStore stores the credential at path (DefaultCredentialPath when empty).
func NewDocCredentialStore(store docstore.Store, path string) *DocCredentialStore {
	if path == "" {
		path = DefaultCredentialPath
	}
	return &DocCredentialStore{store: store, path: path}
}

func (s *DocCredentialStore) Load(ctx context.Context) (model.Credential, bool, error) {
	doc, err := s.store.Get(ctx, s.path)
	if errors.Is(err, model.ErrNotFound) {
		return model.Credential{}, false, nil
	}
	if err != nil {
		return model.Credential{}, false, err
	}
	token, _ := doc.Data["token"].(string)
	if token == "" {
		return model.Credential{}, false, nil
	}
	c := model.Credential{Token: token}
	if ms, ok := doc.Data["acquiredAt"].(float64); ok {
		c.AcquiredAt = time.UnixMilli(int64(ms))
	}
	return c, true, nil
}

func (s *DocCredentialStore) Save(ctx context.Context, c model.Credential) error {
	return s.store.Commit(ctx, []docstore.Op{
		docstore.Set(s.path, map[string]any{
			"token":       c.Token,
			"acquiredAt":  c.AcquiredAt.UnixMilli(),
			"lastUpdated": docstore.ServerTimestamp,
		}),
	})
}
