// Package identity maps changelist user names to entity-store users.
package identity

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/mschirtzinger/p4sync/internal/entity"
)

// UserType is the entity type of store users.
const UserType = "HumanUser"

// LoginMap maps changelist user names to store logins.
//
// It is read from a TOML file:
//
//	[users]
//	alan = "alan.turing"
//	build = "svc-build"
type LoginMap map[string]string

type mapFile struct {
	Users map[string]string `toml:"users"`
}

// LoadMap reads a login map. An empty path returns an empty map.
func LoadMap(path string) (LoginMap, error) {
	if path == "" {
		return LoginMap{}, nil
	}

	var f mapFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to load login map %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("login map %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if f.Users == nil {
		return LoginMap{}, nil
	}
	return LoginMap(f.Users), nil
}

// Login returns the store login for a changelist user.
func (m LoginMap) Login(user string) string {
	if login, ok := m[user]; ok && login != "" {
		return login
	}
	return user
}

// Resolver looks users up in the store and caches the answers, misses
// included. Transient failures are not cached.
//
// A Resolver is owned by one worker and is not safe for concurrent use.
type Resolver struct {
	store  entity.Store
	logins LoginMap
	cache  map[string]*entity.Ref
	logger *log.Logger
}

// New creates a Resolver. A nil logins map maps every user to itself.
func New(store entity.Store, logins LoginMap, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[identity] ", log.LstdFlags)
	}
	if logins == nil {
		logins = LoginMap{}
	}
	return &Resolver{
		store:  store,
		logins: logins,
		cache:  make(map[string]*entity.Ref),
		logger: logger,
	}
}

// Lookup returns the store user for a changelist user, or nil if none exists.
func (r *Resolver) Lookup(ctx context.Context, user string) (*entity.Ref, error) {
	if ref, ok := r.cache[user]; ok {
		return ref, nil
	}

	login := r.logins.Login(user)
	e, err := r.store.FindOne(ctx, UserType,
		[]entity.Filter{entity.Is("login", login)},
		entity.FindOptions{Fields: []string{"login", "name"}})
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %s: %w", login, err)
	}

	if e == nil {
		r.logger.Printf("No %s with login %q for user %s", UserType, login, user)
		r.cache[user] = nil
		return nil, nil
	}

	ref := e.Ref()
	r.cache[user] = &ref
	return &ref, nil
}
