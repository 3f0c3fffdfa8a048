package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"golang.org/x/sync/errgroup"

	"github.com/jhoicas/nfe-api/internal/application/fiscal"
	"github.com/jhoicas/nfe-api/internal/infrastructure/lock"
	infranfe "github.com/jhoicas/nfe-api/internal/infrastructure/nfe"
	"github.com/jhoicas/nfe-api/internal/infrastructure/nfe/signer"
	"github.com/jhoicas/nfe-api/internal/infrastructure/postgres"
	"github.com/jhoicas/nfe-api/internal/infrastructure/storage"
	httpRouter "github.com/jhoicas/nfe-api/internal/interfaces/http"
	"github.com/jhoicas/nfe-api/pkg/config"
	"github.com/jhoicas/nfe-api/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("cargar configuración: " + err.Error())
	}

	log := logger.New(logger.Config{
		App:   cfg.App.Name,
		Env:   cfg.App.Env,
		Level: cfg.App.LogLevel,
	})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("configuración inválida")
	}
	log.Info().
		Str("env", cfg.App.Env).
		Str("tpAmb", cfg.NFe.Environment).
		Str("uf", cfg.NFe.UF).
		Msg("iniciando aplicación")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := postgres.Migrate(cfg.DB.ConnectionString(), log.Component("migrate")); err != nil {
		log.Fatal().Err(err).Msg("migraciones")
	}
	pool, err := postgres.NewPool(ctx, cfg.DB, log.Component("postgres"))
	if err != nil {
		log.Fatal().Err(err).Msg("conexión a PostgreSQL")
	}
	defer pool.Close()

	locker, closeLocker, err := newLocker(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("lock distribuido")
	}
	defer closeLocker()

	certs, err := newCertificateProvider(cfg.NFe)
	if err != nil {
		log.Fatal().Err(err).Msg("certificado digital")
	}

	soapOpts := []infranfe.SOAPOption{infranfe.WithTimeout(time.Duration(cfg.NFe.TimeoutSeconds) * time.Second)}
	if cfg.NFe.CABundlePath != "" {
		roots, err := loadCABundle(cfg.NFe.CABundlePath)
		if err != nil {
			log.Fatal().Err(err).Msg("cadena de certificados SEFAZ")
		}
		soapOpts = append(soapOpts, infranfe.WithRootCAs(roots))
	}
	endpoints := infranfe.NewEndpointCatalog(endpointOverrides(cfg.NFe))
	if _, err := endpoints.Resolve(infranfe.ServiceAuthorization, cfg.NFe.UF, cfg.NFe.Environment); err != nil {
		log.Fatal().Err(err).Msg("endpoints SEFAZ")
	}
	transport := infranfe.NewSOAPClient(endpoints, log.Component("soap"), soapOpts...)

	deps := fiscal.Dependencies{
		Documents:    postgres.NewDocumentRepository(pool),
		Events:       postgres.NewEventRepository(pool),
		Tx:           postgres.NewTxRunner(pool),
		Builder:      infranfe.NewXMLBuilderService(log.Component("builder")),
		Signer:       signer.NewDigitalSignatureService(),
		Transport:    transport,
		Certificates: certs,
		Locker:       locker,
	}
	if cfg.Archive.Bucket != "" {
		archive, err := storage.NewS3ArchiveStore(ctx, cfg.Archive, storage.WithLogger(log.Component("archive")))
		if err != nil {
			log.Fatal().Err(err).Msg("archivo S3")
		}
		deps.Archive = archive
	}
	nfeSvc := fiscal.NewService(deps, fiscal.Config{
		Environment: cfg.NFe.Environment,
		UF:          cfg.NFe.UF,
	}, log.Component("fiscal"))

	app := fiber.New(fiber.Config{
		AppName: cfg.App.Name,
		// Una llamada SOAP puede tardar TimeoutSeconds por cada reintento de consulta.
		ReadTimeout:  time.Second * 10,
		WriteTimeout: time.Duration(cfg.NFe.TimeoutSeconds)*time.Second*2 + 10*time.Second,
		IdleTimeout:  time.Second * 60,
	})
	app.Use(recover.New())

	httpRouter.Router(app, httpRouter.RouterDeps{
		NFe:    httpRouter.NewNFeHandler(nfeSvc, log.Component("http")),
		Health: httpRouter.NewHealthHandler(pool),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.Listen(cfg.HTTP.Addr()); err != nil {
			return fmt.Errorf("servidor HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("señal de apagado recibida, cerrando servidor...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("apagado del servidor")
	}
	log.Info().Msg("aplicación detenida")
}

// newLocker usa Redis si REDIS_ADDR está definido; si no, lock en memoria (una sola instancia).
func newLocker(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (fiscal.Locker, func(), error) {
	if cfg.Addr == "" {
		log.Warn().Msg("REDIS_ADDR vacío: lock por documento solo en memoria")
		return lock.NewMemoryLocker(), func() {}, nil
	}
	rl, err := lock.NewRedisLocker(ctx, lock.RedisConfig{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		TTL:      time.Duration(cfg.LockTTLSec) * time.Second,
	}, log.Component("lock"))
	if err != nil {
		return nil, nil, err
	}
	return rl, func() { _ = rl.Close() }, nil
}

func newCertificateProvider(cfg config.NFeConfig) (fiscal.CertificateProvider, error) {
	if cfg.CertBase64 != "" {
		return signer.NewStaticProviderFromBase64(cfg.CertBase64, cfg.CertPassword)
	}
	p := &signer.FileProvider{Password: cfg.CertPassword}
	switch {
	case cfg.CertKeyPath != "":
		p.CertPath, p.KeyPath = cfg.CertPath, cfg.CertKeyPath
	default:
		p.PFXPath = cfg.CertPath
	}
	return p, nil
}

func endpointOverrides(cfg config.NFeConfig) map[infranfe.Service]string {
	out := map[infranfe.Service]string{}
	for svc, url := range map[infranfe.Service]string{
		infranfe.ServiceAuthorization: cfg.EndpointAuthorization,
		infranfe.ServiceProtocol:      cfg.EndpointProtocol,
		infranfe.ServiceStatusCheck:   cfg.EndpointStatus,
		infranfe.ServiceEvent:         cfg.EndpointEvent,
	} {
		if url != "" {
			out[svc] = url
		}
	}
	return out
}

func loadCABundle(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%s no contiene certificados PEM", path)
	}
	return pool, nil
}
