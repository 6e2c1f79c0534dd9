package uploads

import (
	"context"
	"fmt"

	"github.com/fiscalmind/fiscalmind-gateway/internal/fiscal"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const DefaultEtcdKey = "/fiscalmind/uploads"

// EtcdStore keeps the upload list under a single etcd key so several
// workstations can share it. Writes are transactions guarded by the key's
// mod revision.
type EtcdStore struct {
	kv  clientv3.KV
	key string
}

func NewEtcdStore(kv clientv3.KV, key string) *EtcdStore {
	if key == "" {
		key = DefaultEtcdKey
	}
	return &EtcdStore{kv: kv, key: key}
}

func (s *EtcdStore) Name() string {
	return "etcd"
}

func (s *EtcdStore) List(ctx context.Context) ([]fiscal.FileInfo, error) {
	files, _, err := s.get(ctx)
	return files, err
}

// get returns the list and the key's mod revision, 0 when the key is absent.
func (s *EtcdStore) get(ctx context.Context) ([]fiscal.FileInfo, int64, error) {
	resp, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get upload list: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, nil
	}
	files, err := decodeList(resp.Kvs[0].Value)
	return files, resp.Kvs[0].ModRevision, err
}

func (s *EtcdStore) Update(ctx context.Context, fn UpdateFunc) error {
	return retry(ctx, func() (bool, error) {
		files, rev, err := s.get(ctx)
		if err != nil {
			return false, err
		}
		updated, err := fn(files)
		if err != nil {
			return false, err
		}
		data, err := encodeList(updated)
		if err != nil {
			return false, err
		}

		resp, err := s.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(s.key), "=", rev)).
			Then(clientv3.OpPut(s.key, string(data))).
			Commit()
		if err != nil {
			return false, fmt.Errorf("failed to save upload list: %w", err)
		}
		return resp.Succeeded, nil
	})
}

func (s *EtcdStore) Clear(ctx context.Context) error {
	if _, err := s.kv.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("failed to clear upload list: %w", err)
	}
	return nil
}
