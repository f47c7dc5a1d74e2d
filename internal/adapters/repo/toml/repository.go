package toml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	profilesFileMode = 0o644
	profilesDirMode  = 0o755
	tempFilePattern  = ".profiles-*.toml.tmp"
)

// ProfileRepository stores strategy profiles in a TOML file. A missing file
// lists no profiles.
type ProfileRepository struct {
	path string
	mu   *sync.RWMutex
}

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

var _ ports.ProfileRepository = (*ProfileRepository)(nil)

func NewProfileRepository(path string) (*ProfileRepository, error) {
	if path == "" {
		return nil, errors.New("profiles path is empty")
	}
	path, err := normalizePath(path)
	if err != nil {
		return nil, err
	}

	return &ProfileRepository{path: path, mu: lockForPath(path)}, nil
}

func (r *ProfileRepository) Path() string {
	return r.path
}

func (r *ProfileRepository) List(ctx context.Context) ([]domain.StrategyProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return nil, err
	}

	profiles := make([]domain.StrategyProfile, 0, len(file.Profiles))
	for _, entry := range file.Profiles {
		profile, err := fromProfileSchema(entry)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}

	return profiles, nil
}

// Save replaces the file content with profiles, rejecting invalid ones.
func (r *ProfileRepository) Save(ctx context.Context, profiles []domain.StrategyProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	file := profilesSchema{Profiles: make([]profileSchema, 0, len(profiles))}
	for _, profile := range profiles {
		if err := profile.Validate(); err != nil {
			return fmt.Errorf("save profiles: %w", err)
		}
		file.Profiles = append(file.Profiles, toProfileSchema(profile))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.writeSchema(file)
}

func (r *ProfileRepository) readSchema() (profilesSchema, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return profilesSchema{}, nil
		}
		return profilesSchema{}, fmt.Errorf("read profiles file: %w", err)
	}

	var file profilesSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return profilesSchema{}, fmt.Errorf("decode profiles file: %w", err)
	}
	if err := file.validateVersion(); err != nil {
		return profilesSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}

func (r *ProfileRepository) writeSchema(file profilesSchema) error {
	file.applyDefaults()

	if err := os.MkdirAll(filepath.Dir(r.path), profilesDirMode); err != nil {
		return fmt.Errorf("create profiles directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode profiles file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(r.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp profiles file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp profiles file: %w", err)
	}
	if err := tempFile.Chmod(profilesFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp profiles file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp profiles file: %w", err)
	}
	if err := os.Rename(tempName, r.path); err != nil {
		return fmt.Errorf("replace profiles file: %w", err)
	}

	cleanup = false
	return nil
}

func normalizePath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}

	return filepath.Clean(absPath), nil
}

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}

	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}

func toProfileSchema(p domain.StrategyProfile) profileSchema {
	return profileSchema{
		Name:      p.Name,
		Kind:      string(p.Kind),
		Resources: toStrings(p.Resources),
		Conditions: conditionsSchema{
			NetworkClasses:  toStrings(p.Conditions.NetworkClasses),
			DeviceTiers:     toStrings(p.Conditions.DeviceTiers),
			UserClasses:     toStrings(p.Conditions.UserClasses),
			MinDownlinkMbps: p.Conditions.MinDownlinkMbps,
			MaxRTTMillis:    p.Conditions.MaxRTTMillis,
			MinMemoryGB:     p.Conditions.MinMemoryGB,
		},
		Execution: executionSchema{
			Concurrency: p.Execution.Concurrency,
			ChunkSize:   p.Execution.ChunkSize,
			Timeout:     formatDuration(p.Execution.Timeout),
			RetryBudget: p.Execution.RetryBudget,
		},
	}
}

func fromProfileSchema(s profileSchema) (domain.StrategyProfile, error) {
	timeout, err := parseDuration(s.Execution.Timeout)
	if err != nil {
		return domain.StrategyProfile{}, fmt.Errorf("profile %q: execution.timeout: %w", s.Name, err)
	}

	execution := domain.ExecutionParams{
		Concurrency: s.Execution.Concurrency,
		ChunkSize:   s.Execution.ChunkSize,
		Timeout:     timeout,
		RetryBudget: s.Execution.RetryBudget,
	}
	if err := mergo.Merge(&execution, domain.DefaultExecution); err != nil {
		return domain.StrategyProfile{}, fmt.Errorf("profile %q: execution defaults: %w", s.Name, err)
	}

	return domain.StrategyProfile{
		Name:      s.Name,
		Kind:      domain.StrategyKind(s.Kind),
		Resources: fromStrings[domain.ResourceKind](s.Resources),
		Conditions: domain.Conditions{
			NetworkClasses:  fromStrings[domain.NetworkClass](s.Conditions.NetworkClasses),
			DeviceTiers:     fromStrings[domain.DeviceTier](s.Conditions.DeviceTiers),
			UserClasses:     fromStrings[domain.UserClass](s.Conditions.UserClasses),
			MinDownlinkMbps: s.Conditions.MinDownlinkMbps,
			MaxRTTMillis:    s.Conditions.MaxRTTMillis,
			MinMemoryGB:     s.Conditions.MinMemoryGB,
		},
		Execution: execution,
	}, nil
}

func toStrings[T ~string](values []T) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func fromStrings[T ~string](values []string) []T {
	if len(values) == 0 {
		return nil
	}
	out := make([]T, len(values))
	for i, v := range values {
		out[i] = T(v)
	}
	return out
}

func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}
