// Package storage хранит реестр модулей и журнал результатов шагов в bbolt.
// Записи кодируются в CBOR.
package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/serebryakov7/j1939-obd/internal/modules"
	"github.com/serebryakov7/j1939-obd/internal/runner"
)

const (
	modulesBucket  = "modules"
	outcomesBucket = "outcomes"
)

var buckets = []string{modulesBucket, outcomesBucket}

// Store - база прибора.
type Store struct {
	db  *bolt.DB
	enc cbor.EncMode
}

// OpenDB открывает (или создаёт) bbolt-базу и гарантирует наличие bucket'ов.
func OpenDB(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	// метки времени с наносекундами, иначе CBOR пишет целые секунды
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, enc: enc}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveModules заменяет сохраненный реестр модулей.
func (s *Store) SaveModules(mods []modules.Module) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(modulesBucket)); err != nil {
			return err
		}
		b, err := tx.CreateBucket([]byte(modulesBucket))
		if err != nil {
			return err
		}
		for _, m := range mods {
			data, err := s.enc.Marshal(m)
			if err != nil {
				return fmt.Errorf("ошибка кодирования модуля 0x%02X: %w", m.Address, err)
			}
			if err := b.Put([]byte{m.Address}, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadModules читает сохраненный реестр модулей в порядке адресов.
func (s *Store) LoadModules() ([]modules.Module, error) {
	var out []modules.Module
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(modulesBucket)).ForEach(func(k, v []byte) error {
			var m modules.Module
			if err := cbor.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("ошибка чтения модуля %X: %w", k, err)
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// Report дописывает результат шага в журнал. Реализует runner.Reporter.
func (s *Store) Report(o runner.Outcome) error {
	data, err := s.enc.Marshal(o)
	if err != nil {
		return fmt.Errorf("ошибка кодирования результата шага %s: %w", o.StepID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(outcomesBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// Outcomes возвращает журнал в порядке записи.
func (s *Store) Outcomes() ([]runner.Outcome, error) {
	var out []runner.Outcome
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(outcomesBucket)).ForEach(func(k, v []byte) error {
			var o runner.Outcome
			if err := cbor.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("ошибка чтения записи журнала %X: %w", k, err)
			}
			out = append(out, o)
			return nil
		})
	})
	return out, err
}

// ClearOutcomes сбрасывает журнал результатов.
func (s *Store) ClearOutcomes() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(outcomesBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(outcomesBucket))
		return err
	})
}
