package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	echoserver "github.com/labstack/echo/v4"

	devicegate "go.glassdash.io/devicegate"
	echoapi "go.glassdash.io/devicegate/api/echo"
	"go.glassdash.io/devicegate/config"
	"go.glassdash.io/devicegate/deviceid"
	redisstore "go.glassdash.io/devicegate/deviceid/redis"
	"go.glassdash.io/devicegate/gateway"
	"go.glassdash.io/devicegate/mongodb"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger()
	}
	zlog.Logger = logger
	zerolog.DefaultContextLogger = &logger

	ctx := context.Background()

	storage, cleanup, err := buildStorage(ctx, cfg)
	if err != nil {
		zlog.Fatal().Err(err).Str("backend", cfg.DeviceStorage).Msg("failed to initialize device identity storage")
	}
	defer cleanup()

	devices := deviceid.NewStore(storage, cfg.DeviceScreenHint)
	defer devices.Close()

	gw := gateway.New(cfg.FunctionsBaseURL, devices)
	idp := devicegate.NewHTTPIdentityProvider(cfg.AuthBaseURL, nil)
	login := devicegate.NewLoginService(idp, devices, gw)

	api := echoapi.NewAPI(
		login, idp, gw,
		devicegate.VerificationConfig{
			PollInterval:  time.Duration(cfg.PollIntervalSec) * time.Second,
			ApprovedDelay: time.Duration(cfg.ApprovedDelayMS) * time.Millisecond,
		},
		time.Duration(cfg.ConfirmRedirectSec)*time.Second,
		time.Duration(cfg.SessionTTLMin)*time.Minute,
	)
	defer api.Close()

	e := echoserver.New()
	e.HideBanner = true
	e.Use(echoapi.RequestLogger())
	api.RegisterRoutes(e)

	go func() {
		zlog.Info().Str("port", cfg.HTTPPort).Msg("starting device-trust gateway")
		if err := e.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("http server shutdown")
	}
}

// buildStorage picks the device identity backend from config. cleanup
// closes whatever the backend opened.
func buildStorage(ctx context.Context, cfg *config.Config) (deviceid.Storage, func(), error) {
	noop := func() {}
	switch cfg.DeviceStorage {
	case config.StorageMemory:
		return deviceid.NewMemoryStorage(), noop, nil
	case config.StorageRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, noop, err
		}
		return redisstore.NewStorage(client, cfg.DeviceProfile), func() { client.Close() }, nil
	case config.StorageMongo:
		if err := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); err != nil {
			return nil, noop, err
		}
		repo := mongodb.NewDeviceIdentityRepository(mongodb.GetDB(), cfg.DeviceProfile)
		return repo, func() { mongodb.Disconnect(context.Background()) }, nil
	default: // config.StorageFile
		return deviceid.NewFileStorage(os.ExpandEnv(cfg.DeviceStateDir)), noop, nil
	}
}
