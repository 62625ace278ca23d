package runtime

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/coderunr/runbox/internal/types"
)

//go:embed languages.yaml
var defaultProfiles []byte

var (
	// ErrLanguageNotFound is returned when no profile matches a language
	ErrLanguageNotFound = errors.New("language not found")
	// ErrVersionMismatch is returned when a profile does not satisfy a version constraint
	ErrVersionMismatch = errors.New("no runtime version matches constraint")
)

// profileFile is the on-disk shape of one profile entry
type profileFile struct {
	types.LanguageProfile `yaml:",inline"`
	Version               string `yaml:"version"`
}

// Manager holds the language profile table. The table is loaded once at
// startup and is read-only afterwards.
type Manager struct {
	mutex    sync.RWMutex
	profiles map[string]types.LanguageProfile
	aliases  map[string]string
	logger   *logrus.Entry
}

// NewManager creates a runtime manager with the built-in profile table
func NewManager() (*Manager, error) {
	m := &Manager{
		profiles: make(map[string]types.LanguageProfile),
		aliases:  make(map[string]string),
		logger:   logrus.WithField("component", "runtime"),
	}

	if err := m.load(defaultProfiles); err != nil {
		return nil, fmt.Errorf("failed to load built-in profiles: %w", err)
	}

	return m, nil
}

// LoadFile replaces profiles with the entries of an operator supplied YAML file.
// Languages not named in the file keep their built-in profile.
func (m *Manager) LoadFile(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read languages file: %w", err)
	}

	if err := m.load(data); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}

	return nil
}

// load parses and registers profiles
func (m *Manager) load(data []byte) error {
	var entries []profileFile
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse profiles: %w", err)
	}

	parsed := make([]types.LanguageProfile, 0, len(entries))
	for i, entry := range entries {
		profile := entry.LanguageProfile
		if err := checkProfile(profile); err != nil {
			return fmt.Errorf("profile %d: %w", i, err)
		}

		version, err := semver.NewVersion(entry.Version)
		if err != nil {
			return fmt.Errorf("profile %s: failed to parse version %q: %w", profile.Language, entry.Version, err)
		}
		profile.Version = version
		parsed = append(parsed, profile)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, profile := range parsed {
		m.profiles[profile.Language] = profile
		for _, alias := range profile.Aliases {
			m.aliases[alias] = profile.Language
		}
		m.logger.Debugf("Loaded profile %s-%s (%s)", profile.Language, profile.Version, profile.Image)
	}

	return nil
}

// checkProfile validates the static fields of a profile
func checkProfile(profile types.LanguageProfile) error {
	if profile.Language == "" {
		return fmt.Errorf("language is required")
	}
	if profile.Image == "" {
		return fmt.Errorf("%s: image is required", profile.Language)
	}
	if profile.SourceFile == "" || filepath.Base(profile.SourceFile) != profile.SourceFile {
		return fmt.Errorf("%s: source_file must be a plain file name", profile.Language)
	}
	if len(profile.Command) == 0 {
		return fmt.Errorf("%s: command is required", profile.Language)
	}
	return nil
}

// Get returns the profile for a language name or alias
func (m *Manager) Get(language string) (types.LanguageProfile, error) {
	key := strings.ToLower(strings.TrimSpace(language))

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if canonical, ok := m.aliases[key]; ok {
		key = canonical
	}

	profile, ok := m.profiles[key]
	if !ok {
		return types.LanguageProfile{}, fmt.Errorf("%w: %s", ErrLanguageNotFound, language)
	}
	return profile, nil
}

// Match returns the profile for a language whose version satisfies the
// constraint. An empty constraint matches any version.
func (m *Manager) Match(language, constraint string) (types.LanguageProfile, error) {
	profile, err := m.Get(language)
	if err != nil {
		return types.LanguageProfile{}, err
	}

	if constraint == "" || constraint == "*" {
		return profile, nil
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return types.LanguageProfile{}, fmt.Errorf("invalid version constraint: %w", err)
	}

	if !c.Check(profile.Version) {
		return types.LanguageProfile{}, fmt.Errorf("%w: %s-%s", ErrVersionMismatch, profile.Language, constraint)
	}

	return profile, nil
}

// GetRuntimes returns all profiles sorted by language
func (m *Manager) GetRuntimes() []types.LanguageProfile {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make([]types.LanguageProfile, 0, len(m.profiles))
	for _, profile := range m.profiles {
		result = append(result, profile)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Language < result[j].Language
	})
	return result
}

// Images returns the distinct runtime images and the languages using them
func (m *Manager) Images() map[string][]string {
	images := make(map[string][]string)
	for _, profile := range m.GetRuntimes() {
		images[profile.Image] = append(images[profile.Image], profile.Language)
	}
	return images
}
