package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"gogoc-tsp/internal/config"
)

var (
	ErrNoLastServer = errors.New("broker: no last server recorded")
	ErrNoBrokerList = errors.New("broker: no broker list recorded")
)

// Store persists the last server that gave us a tunnel and the most recent
// redirect list.
type Store interface {
	LastServer(ctx context.Context) (string, error)
	SaveLastServer(ctx context.Context, server string) error
	BrokerList(ctx context.Context) (*List, error)
	SaveBrokerList(ctx context.Context, l *List) error
}

// NewStore returns the store selected by cfg.
func NewStore(cfg *config.Config) Store {
	if cfg.StateStore == "redis" {
		return NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), "gogoc")
	}
	return &FileStore{
		LastServerPath: cfg.Path(cfg.LastServerFile),
		BrokerListPath: cfg.Path(cfg.BrokerListFile),
	}
}

// FileStore keeps both records as newline separated text files.
type FileStore struct {
	LastServerPath string
	BrokerListPath string
}

func (s *FileStore) LastServer(_ context.Context) (string, error) {
	f, err := os.Open(s.LastServerPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNoLastServer
		}
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", ErrNoLastServer
}

func (s *FileStore) SaveLastServer(_ context.Context, server string) error {
	return os.WriteFile(s.LastServerPath, []byte(server+"\n"), 0o644)
}

func (s *FileStore) BrokerList(_ context.Context) (*List, error) {
	f, err := os.Open(s.BrokerListPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoBrokerList
		}
		return nil, fmt.Errorf("%w: %v", ErrNoBrokerList, err)
	}
	defer f.Close()

	l := &List{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" {
			continue
		}
		if err := l.Add(line, ClassifyAddress(line), 0); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *FileStore) SaveBrokerList(_ context.Context, l *List) error {
	var b strings.Builder
	for _, e := range l.Entries() {
		b.WriteString(e.Address)
		b.WriteByte('\n')
	}
	return os.WriteFile(s.BrokerListPath, []byte(b.String()), 0o644)
}

// RedisStore keeps the records under a key prefix so several clients can
// share one server.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(name string) string { return s.prefix + ":" + name }

func (s *RedisStore) LastServer(ctx context.Context) (string, error) {
	v, err := s.rdb.Get(ctx, s.key("last-server")).Result()
	if errors.Is(err, redis.Nil) || (err == nil && v == "") {
		return "", ErrNoLastServer
	}
	return v, err
}

func (s *RedisStore) SaveLastServer(ctx context.Context, server string) error {
	return s.rdb.Set(ctx, s.key("last-server"), server, 0).Err()
}

func (s *RedisStore) BrokerList(ctx context.Context) (*List, error) {
	key := s.key("broker-list")
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoBrokerList
	}
	addrs, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	l := &List{}
	for _, a := range addrs {
		if err := l.Add(a, ClassifyAddress(a), 0); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (s *RedisStore) SaveBrokerList(ctx context.Context, l *List) error {
	key := s.key("broker-list")
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		for _, e := range l.Entries() {
			pipe.RPush(ctx, key, e.Address)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
