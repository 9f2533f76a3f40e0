package queryclient

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/logging"
	"github.com/yurastanchuk/AppInsightsProxyV2/lib/proxyerror"
)

// Profiles let command-line callers refer to an application by name instead
// of passing its id and API key on every invocation.

type SecretConfig struct {
	Filename string `yaml:"filename"`
	EnvVar   string `yaml:"env_var"`
}

type AppProfile struct {
	Name    string        `yaml:"name"`
	Aliases []string      `yaml:"aliases"`
	AppID   string        `yaml:"app_id"`
	BaseURL string        `yaml:"base_url"`
	APIKey  *SecretConfig `yaml:"api_key"`
}

type ProfileFile struct {
	Filename string        `yaml:"filename"`
	Apps     []*AppProfile `yaml:"apps"`
}

type Profiles struct {
	Files []*ProfileFile `yaml:"files"`
}

const ProfilesEnvVar = "AIPROXY_CLIENT_CONFIG"

func DefaultProfilesFilename(ctx context.Context) (string, error) {
	return homedir.Expand("~/.config/aiproxy/aiproxy-client.yaml")
}

// ProfileFilenames lists candidate profile files, highest priority first.
func ProfileFilenames(ctx context.Context) ([]string, error) {
	logger := logging.FromContext(ctx)

	var rv []string

	if env := os.Getenv(ProfilesEnvVar); env != "" {
		rv = append(rv, strings.Split(env, ":")...)
	}

	defaultFilename, err := DefaultProfilesFilename(ctx)
	if err != nil {
		logger.Warn("failed to determine default profiles filename", zap.Error(err))
	} else {
		rv = append(rv, defaultFilename)
	}

	return rv, nil
}

func ReadSecret(secret *SecretConfig) (string, error) {
	if secret == nil {
		return "", proxyerror.ClientInput("no API key configured for profile")
	}

	if secret.Filename != "" {
		filename, err := homedir.Expand(secret.Filename)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(filename)
		if err != nil {
			return "", proxyerror.ClientInput(
				"failed to read secret file",
				proxyerror.WithPublicData("filename", secret.Filename),
				proxyerror.WithCause(err),
			)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if secret.EnvVar != "" {
		return os.Getenv(secret.EnvVar), nil
	}

	return "", nil
}

func LoadProfiles(ctx context.Context) (*Profiles, error) {
	filenames, err := ProfileFilenames(ctx)
	if err != nil {
		return nil, err
	}
	return LoadProfileFiles(ctx, filenames)
}

// LoadProfileFiles parses every existing file in filenames. Missing files are
// skipped.
func LoadProfileFiles(ctx context.Context, filenames []string) (*Profiles, error) {
	logger := logging.FromContext(ctx)

	var files []*ProfileFile

	for _, fn := range filenames {
		if _, err := os.Stat(fn); err != nil {
			if os.IsNotExist(err) {
				logger.Debug("profile file does not exist", zap.String("filename", fn))
				continue
			}
			return nil, err
		}

		fn, _ := filepath.Abs(fn)

		data, err := os.ReadFile(fn)
		if err != nil {
			return nil, proxyerror.ClientInput(
				"failed to read profile file",
				proxyerror.WithPublicData("filename", fn),
				proxyerror.WithCause(err),
			)
		}

		var pf ProfileFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return nil, proxyerror.ClientInput(
				"failed to parse profile file",
				proxyerror.WithPublicData("filename", fn),
				proxyerror.WithPublicData("error", err.Error()),
			)
		}

		pf.Filename = fn
		files = append(files, &pf)
	}

	return &Profiles{Files: files}, nil
}

func (p *Profiles) Apps() []*AppProfile {
	var rv []*AppProfile
	for _, f := range p.Files {
		rv = append(rv, f.Apps...)
	}
	return rv
}

func (a *AppProfile) Matches(name string) bool {
	if a.Name == name || a.AppID == name {
		return true
	}
	for _, alias := range a.Aliases {
		if alias == name {
			return true
		}
	}
	return false
}

var (
	errNoProfiles = proxyerror.ClientInput("no application profiles configured")

	errNoMatchingProfile = proxyerror.ClientInput("no matching application profile found")
)

// Resolve picks the first profile matching name by name, alias or app id.
// With an empty name there must be exactly one profile.
func (p *Profiles) Resolve(ctx context.Context, name string) (*AppProfile, Credentials, error) {
	logger := logging.FromContext(ctx)

	apps := p.Apps()
	if len(apps) == 0 {
		return nil, Credentials{}, errNoProfiles
	}

	var chosen *AppProfile
	if name == "" {
		if len(apps) > 1 {
			return nil, Credentials{}, proxyerror.ClientInput(
				"several application profiles configured; choose one",
				proxyerror.WithPublicData("count", len(apps)),
			)
		}
		chosen = apps[0]
	} else {
		for _, app := range apps {
			if app.Matches(name) {
				chosen = app
				break
			}
		}
	}

	if chosen == nil {
		return nil, Credentials{}, errNoMatchingProfile
	}

	apiKey, err := ReadSecret(chosen.APIKey)
	if err != nil {
		return nil, Credentials{}, err
	}

	logger.Debug(
		"chose application profile",
		zap.String("selector", name),
		zap.String("chosen_name", chosen.Name),
		zap.String("chosen_app_id", chosen.AppID),
	)

	return chosen, Credentials{APIKey: apiKey}, nil
}
