package coordstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/quayside/stevedore/pkg"
)

const watchBufferSize = 64

// EtcdConfig holds connection settings for the etcd-backed store.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration

	// SessionTTL bounds how long ephemeral entries outlive a dead session.
	SessionTTL time.Duration
}

// EtcdStore implements Store on etcd. Paths map directly to keys, child
// listings are prefix scans one level deep, and ephemeral entries are keys
// bound to a session lease that expires when the store closes or the process
// dies.
type EtcdStore struct {
	client     *clientv3.Client
	session    *concurrency.Session
	logger     *pkg.Logger
	ownsClient bool
	closed     atomic.Bool
}

// NewEtcdStore connects to etcd and opens the session lease used for
// ephemeral entries.
func NewEtcdStore(cfg EtcdConfig, logger *pkg.Logger) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to etcd")
	}

	store, err := NewEtcdStoreFromClient(client, cfg.SessionTTL, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	store.ownsClient = true
	return store, nil
}

// NewEtcdStoreFromClient wraps an existing client, which the caller remains
// responsible for closing.
func NewEtcdStoreFromClient(client *clientv3.Client, sessionTTL time.Duration, logger *pkg.Logger) (*EtcdStore, error) {
	ttlSeconds := int(sessionTTL / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(ttlSeconds))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open etcd session")
	}

	return &EtcdStore{
		client:  client,
		session: session,
		logger:  logger.WithComponent("coordstore"),
	}, nil
}

// EnsurePath creates a bare entry at path if none exists.
func (s *EtcdStore) EnsurePath(ctx context.Context, path string) error {
	if s.closed.Load() {
		return pkg.ErrStoreClosed
	}

	_, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, "")).
		Commit()
	if err != nil {
		return errors.Wrapf(err, "failed to ensure path %s", path)
	}
	return nil
}

// Create writes a new entry, failing with ErrNodeExists if one is present.
func (s *EtcdStore) Create(ctx context.Context, path string, payload []byte, ephemeral bool) error {
	if s.closed.Load() {
		return pkg.ErrStoreClosed
	}

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, string(payload), s.putOpts(ephemeral)...)).
		Commit()
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if !resp.Succeeded {
		return pkg.ErrNodeExists
	}
	return nil
}

// CreateOrReplace writes an entry, overwriting any existing payload.
func (s *EtcdStore) CreateOrReplace(ctx context.Context, path string, payload []byte, ephemeral bool) error {
	if s.closed.Load() {
		return pkg.ErrStoreClosed
	}

	if _, err := s.client.Put(ctx, path, string(payload), s.putOpts(ephemeral)...); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// Delete removes an entry. Deleting a missing entry is a no-op.
func (s *EtcdStore) Delete(ctx context.Context, path string) error {
	if s.closed.Load() {
		return pkg.ErrStoreClosed
	}

	if _, err := s.client.Delete(ctx, path); err != nil {
		return errors.Wrapf(err, "failed to delete %s", path)
	}
	return nil
}

// Exists reports whether an entry is present at path.
func (s *EtcdStore) Exists(ctx context.Context, path string) (bool, error) {
	if s.closed.Load() {
		return false, pkg.ErrStoreClosed
	}

	resp, err := s.client.Get(ctx, path, clientv3.WithCountOnly())
	if err != nil {
		return false, errors.Wrapf(err, "failed to check %s", path)
	}
	return resp.Count > 0, nil
}

// Get returns the payload stored at path, or ErrNodeNotFound.
func (s *EtcdStore) Get(ctx context.Context, path string) ([]byte, error) {
	if s.closed.Load() {
		return nil, pkg.ErrStoreClosed
	}

	resp, err := s.client.Get(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	if len(resp.Kvs) == 0 {
		return nil, pkg.ErrNodeNotFound
	}
	return resp.Kvs[0].Value, nil
}

// Children returns the immediate children of path keyed by name.
func (s *EtcdStore) Children(ctx context.Context, path string) (map[string][]byte, error) {
	if s.closed.Load() {
		return nil, pkg.ErrStoreClosed
	}

	resp, err := s.client.Get(ctx, path+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list children of %s", path)
	}

	children := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if name := childName(path, string(kv.Key)); name != "" {
			children[name] = kv.Value
		}
	}
	return children, nil
}

// WatchChildren streams child membership changes under path. After any watch
// interruption the loop relists the children and emits the difference, so
// consumers see a complete stream even across reconnects.
func (s *EtcdStore) WatchChildren(ctx context.Context, path string) (<-chan ChildEvent, error) {
	if s.closed.Load() {
		return nil, pkg.ErrStoreClosed
	}

	events := make(chan ChildEvent, watchBufferSize)
	go s.watchLoop(ctx, path, events)
	return events, nil
}

func (s *EtcdStore) watchLoop(ctx context.Context, path string, events chan<- ChildEvent) {
	defer close(events)

	prefix := path + "/"
	known := make(map[string]struct{})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // retry until canceled

	for {
		resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
		if err != nil {
			if ctx.Err() != nil || s.closed.Load() {
				return
			}
			s.logger.Error().Err(err).Str("path", path).Msg("child listing failed, backing off")
			select {
			case <-time.After(bo.NextBackOff()):
				continue
			case <-ctx.Done():
				return
			}
		}
		bo.Reset()

		// Emit the difference between the last known children and the
		// fresh listing. Buffered watch events from before a disconnect
		// are never trusted.
		current := make(map[string]struct{}, len(resp.Kvs))
		for _, kv := range resp.Kvs {
			name := childName(path, string(kv.Key))
			if name == "" {
				continue
			}
			current[name] = struct{}{}
			if _, ok := known[name]; !ok {
				if !sendEvent(ctx, events, ChildEvent{
					Type:    ChildAdded,
					Name:    name,
					Payload: append([]byte(nil), kv.Value...),
				}) {
					return
				}
			}
		}
		for name := range known {
			if _, ok := current[name]; !ok {
				if !sendEvent(ctx, events, ChildEvent{Type: ChildRemoved, Name: name}) {
					return
				}
			}
		}
		known = current

		wch := s.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				s.logger.Warn().Err(err).Str("path", path).Msg("watch interrupted, resynchronizing")
				break
			}
			for _, ev := range wresp.Events {
				name := childName(path, string(ev.Kv.Key))
				if name == "" {
					continue
				}
				switch {
				case ev.Type == clientv3.EventTypeDelete:
					delete(known, name)
					if !sendEvent(ctx, events, ChildEvent{Type: ChildRemoved, Name: name}) {
						return
					}
				case ev.IsCreate():
					known[name] = struct{}{}
					if !sendEvent(ctx, events, ChildEvent{
						Type:    ChildAdded,
						Name:    name,
						Payload: append([]byte(nil), ev.Kv.Value...),
					}) {
						return
					}
				}
			}
		}

		if ctx.Err() != nil || s.closed.Load() {
			return
		}
	}
}

// Close revokes the session lease, expiring all ephemeral entries created
// through this store.
func (s *EtcdStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := s.session.Close()
	if s.ownsClient {
		if cerr := s.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *EtcdStore) putOpts(ephemeral bool) []clientv3.OpOption {
	if !ephemeral {
		return nil
	}
	return []clientv3.OpOption{clientv3.WithLease(s.session.Lease())}
}

func sendEvent(ctx context.Context, ch chan<- ChildEvent, ev ChildEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
