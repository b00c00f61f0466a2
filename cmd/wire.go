package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bnema/questd/internal/adapters/httpapi"
	"github.com/bnema/questd/internal/adapters/questapi"
	statusadapter "github.com/bnema/questd/internal/adapters/render/status"
	tomlrepo "github.com/bnema/questd/internal/adapters/repo/toml"
	chainstore "github.com/bnema/questd/internal/adapters/secrets/chain"
	filestore "github.com/bnema/questd/internal/adapters/secrets/file"
	"github.com/bnema/questd/internal/application"
	"github.com/bnema/questd/internal/config"
	"github.com/bnema/questd/internal/logging"
	"github.com/bnema/questd/internal/ports"
)

const secretsDir = "secrets"

type app struct {
	configPath     string
	v              *viper.Viper
	cfg            config.Config
	logger         *zap.Logger
	identities     *tomlrepo.IdentityRepository
	solves         *tomlrepo.SolveRepository
	credentials    *application.CredentialService
	statusRenderer func(application.StatusReport, statusadapter.RenderOptions) (string, error)
	now            func() time.Time
}

// wire loads configuration and builds the collaborators every command shares.
// It runs after flag parsing so --config is honoured.
func (a *app) wire(logOutput io.Writer) error {
	v, cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: logOutput,
	})
	if err != nil {
		return fmt.Errorf("wire logger: %w", err)
	}

	identities, err := tomlrepo.NewIdentityRepository(v)
	if err != nil {
		return fmt.Errorf("wire identity repository: %w", err)
	}
	solves, err := tomlrepo.NewSolveRepository(v)
	if err != nil {
		return fmt.Errorf("wire solve repository: %w", err)
	}

	secretStore, err := newSecretStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("wire secret store: %w", err)
	}

	a.v = v
	a.cfg = cfg
	a.logger = logger
	a.identities = identities
	a.solves = solves
	a.credentials = application.NewCredentialService(identities, secretStore, ports.SystemClock{})
	if a.statusRenderer == nil {
		a.statusRenderer = statusadapter.Render
	}
	if a.now == nil {
		a.now = time.Now
	}
	return nil
}

func newSecretStore(cfg config.Config, logger *zap.Logger) (ports.SecretStore, error) {
	fileRoot := filepath.Join(cfg.Storage.Dir, secretsDir)
	if cfg.Secrets.Backend == config.SecretsBackendPass {
		return chainstore.NewPassWithFileFallback(cfg.Secrets.PassPrefix, fileRoot, logger)
	}
	return filestore.NewStore(fileRoot), nil
}

func (a *app) newQuestAPI(proxy string) (*questapi.Client, error) {
	if err := a.cfg.RequireAPI(); err != nil {
		return nil, err
	}
	return questapi.New(questapi.Options{
		BaseURL:        a.cfg.API.BaseURL,
		ProxyURL:       proxy,
		RequestTimeout: a.cfg.API.RequestTimeout,
		MaxAttempts:    a.cfg.API.MaxAttempts,
		Logger:         a.logger,
	})
}

func (a *app) controlClient() *httpapi.Client {
	return httpapi.NewClient(a.cfg.HTTP.Listen)
}

// controlError adds a hint when the control server cannot be reached.
func (a *app) controlError(err error) error {
	if httpapi.IsUnavailable(err) {
		return fmt.Errorf("%w (is `questd serve` listening on %s?)", err, a.cfg.HTTP.Listen)
	}
	return err
}
