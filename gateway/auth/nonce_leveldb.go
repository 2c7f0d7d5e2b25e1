package auth

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	noncePrefix    = "nonce:"
	observedPrefix = "observed:"
)

// LevelDBNonceStore persists nonce observations in a local LevelDB so replay
// protection survives restarts.
type LevelDBNonceStore struct {
	db *leveldb.DB
}

// OpenLevelDBNonceStore opens (or creates) the store at path.
func OpenLevelDBNonceStore(path string) (*LevelDBNonceStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	return &LevelDBNonceStore{db: db}, nil
}

// Close releases the underlying database.
func (s *LevelDBNonceStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureNonce records the nonce, reporting true when it was already present.
func (s *LevelDBNonceStore) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := nonceKey(record.APIKey, record.Timestamp, record.Nonce)
	exists, err := s.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("check nonce: %w", err)
	}
	if exists {
		return true, nil
	}
	observedAt := record.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(observedAt.UTC().UnixNano()))

	batch := new(leveldb.Batch)
	batch.Put(key, value)
	batch.Put(observedKey(observedAt, record), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("store nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns observations at or after the cutoff.
func (s *LevelDBNonceStore) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(observedPrefix)), nil)
	defer iter.Release()

	start := []byte(fmt.Sprintf("%s%020d:", observedPrefix, cutoff.UTC().UnixNano()))
	var records []NonceRecord
	for ok := iter.Seek(start); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := parseObservedKey(iter.Key())
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan nonces: %w", err)
	}
	return records, nil
}

// PruneNonces removes observations strictly before the cutoff.
func (s *LevelDBNonceStore) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(observedPrefix)), nil)
	defer iter.Release()

	limit := []byte(fmt.Sprintf("%s%020d:", observedPrefix, cutoff.UTC().UnixNano()))
	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := iter.Key()
		if string(key) >= string(limit) {
			break
		}
		record, err := parseObservedKey(key)
		if err == nil {
			batch.Delete(nonceKey(record.APIKey, record.Timestamp, record.Nonce))
		}
		batch.Delete(append([]byte(nil), key...))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan nonces: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

func nonceKey(apiKey, timestamp, nonce string) []byte {
	return []byte(noncePrefix + apiKey + "|" + timestamp + "|" + nonce)
}

func observedKey(observedAt time.Time, record NonceRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s|%s|%s", observedPrefix, observedAt.UTC().UnixNano(), record.APIKey, record.Timestamp, record.Nonce))
}

func parseObservedKey(key []byte) (NonceRecord, error) {
	raw := strings.TrimPrefix(string(key), observedPrefix)
	sep := strings.IndexByte(raw, ':')
	if sep < 0 {
		return NonceRecord{}, fmt.Errorf("malformed observed key %q", key)
	}
	nanosPart, compositePart := raw[:sep], raw[sep+1:]
	var nanos int64
	if _, err := fmt.Sscanf(nanosPart, "%d", &nanos); err != nil {
		return NonceRecord{}, fmt.Errorf("malformed observed timestamp %q", nanosPart)
	}
	parts := strings.SplitN(compositePart, "|", 3)
	if len(parts) != 3 {
		return NonceRecord{}, fmt.Errorf("malformed observed composite %q", compositePart)
	}
	return NonceRecord{
		APIKey:     parts[0],
		Timestamp:  parts[1],
		Nonce:      parts[2],
		ObservedAt: time.Unix(0, nanos).UTC(),
	}, nil
}
