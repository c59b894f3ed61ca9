package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bl1231/bilbomd-worker/internal/logger"
	"github.com/bl1231/bilbomd-worker/internal/validator"
)

type PostgresConfig struct {
	User               string        `validate:"required"`
	Password           string        `validate:"required"`
	Host               string        `validate:"required"`
	Database           string        `validate:"required"`
	MaxIdleConnections int           `validate:"required" mapstructure:"max_idle_connections"`
	MaxOpenConnections int           `validate:"required" mapstructure:"max_open_connections"`
	ConnectionTTL      time.Duration `validate:"required" mapstructure:"connection_ttl"`
	Port               int16         `validate:"required"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"  validate:"required"`
	Port     int16  `mapstructure:"port"  validate:"required"`
	Password string `mapstructure:"password"`
	Queue    string `mapstructure:"queue" validate:"required"`
}

type SlogConfig struct {
	Level int `mapstructure:"level"`
}

type LoggingConfig struct {
	App     SlogConfig `mapstructure:"app"`
	UseOTLP bool       `mapstructure:"use_otlp"`
}

// Paths to the scientific binaries the pipelines spawn
type AppsConfig struct {
	CHARMM    string `mapstructure:"charmm"    validate:"required"`
	FoXS      string `mapstructure:"foxs"      validate:"required"`
	MultiFoXS string `mapstructure:"multifoxs" validate:"required"`
	PepsiSANS string `mapstructure:"pepsisans"`
	GASANS    string `mapstructure:"gasans"`
	Python    string `mapstructure:"python"    validate:"required"`
}

type NerscConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	APIURL         string `mapstructure:"api_url"`
	TokenURL       string `mapstructure:"token_url"`
	ClientID       string `mapstructure:"client_id"`
	ClientKeyPath  string `mapstructure:"client_key_path"`
	Site           string `mapstructure:"site"`
	WorkDir        string `mapstructure:"work_dir"`
	ScriptsDir     string `mapstructure:"scripts_dir"`
	DockerBuild    string `mapstructure:"docker_build_script"`
	PollTimeSecs   int    `mapstructure:"poll_time_seconds"`
	MonitorTimeSec int    `mapstructure:"monitor_time_seconds"`
}

type SMTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"     validate:"required"`
	MaxAttempts    int           `mapstructure:"max_attempts"    validate:"required"`
	MessageTimeout time.Duration `mapstructure:"message_timeout" validate:"required"`
}

// See bilbomd.yaml for an example config
type Config struct {
	Postgres    *PostgresConfig `mapstructure:"postgres"     validate:"required"`
	Redis       *RedisConfig    `mapstructure:"redis"        validate:"required"`
	Logging     *LoggingConfig  `mapstructure:"logging"`
	Apps        *AppsConfig     `mapstructure:"apps"         validate:"required"`
	Nersc       *NerscConfig    `mapstructure:"nersc"`
	SMTP        *SMTPConfig     `mapstructure:"smtp"`
	Worker      *WorkerConfig   `mapstructure:"worker"       validate:"required"`
	UploadDir   string          `mapstructure:"upload_dir"   validate:"required"`
	ScriptsDir  string          `mapstructure:"scripts_dir"  validate:"required"`
	TopologyDir string          `mapstructure:"topology_dir" validate:"required"`
	BilboMDURL  string          `mapstructure:"bilbomd_url"  validate:"required"`
}

const (
	AppLogLevel          string = "logging.app.level"
	AppsCHARMM           string = "apps.charmm"
	AppsFoXS             string = "apps.foxs"
	AppsMultiFoXS        string = "apps.multifoxs"
	AppsPepsiSANS        string = "apps.pepsisans"
	AppsGASANS           string = "apps.gasans"
	AppsPython           string = "apps.python"
	BilboMDURL           string = "bilbomd_url"
	EnvPrefix            string = "bilbomd"
	NerscClientID        string = "nersc.client_id"
	NerscClientKeyPath   string = "nersc.client_key_path"
	NerscEnabled         string = "nersc.enabled"
	NerscMonitorTimeSecs string = "nersc.monitor_time_seconds"
	NerscPollTimeSecs    string = "nersc.poll_time_seconds"
	NerscSite            string = "nersc.site"
	PostgresDatabase     string = "postgres.database"
	PostgresHost         string = "postgres.host"
	PostgresPassword     string = "postgres.password"
	PostgresPort         string = "postgres.port"
	PostgresUser         string = "postgres.user"
	PostgresMaxIdleConns string = "postgres.max_idle_connections"
	PostgresMaxOpenConns string = "postgres.max_open_connections"
	PostgresConnTTL      string = "postgres.connection_ttl"
	RedisHost            string = "redis.host"
	RedisPassword        string = "redis.password"
	RedisPort            string = "redis.port"
	RedisQueue           string = "redis.queue"
	SMTPPassword         string = "smtp.password"
	ScriptsDir           string = "scripts_dir"
	TopologyDir          string = "topology_dir"
	UploadDir            string = "upload_dir"
	UseOTLP              string = "logging.use_otlp"
	WorkerConcurrency    string = "worker.concurrency"
	WorkerMaxAttempts    string = "worker.max_attempts"
	WorkerMessageTimeout string = "worker.message_timeout"
)

var configReady = false
var config Config

func GetConfig() (*Config, error) {
	if configReady {
		logger.Logger.Debug("returning already-loaded config")
		return &config, nil
	}
	logger.Logger.Info("loading config")

	v := viper.New()

	v.SetConfigName("bilbomd")

	v.AddConfigPath("/etc/bilbomd/")
	v.AddConfigPath(".")

	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.AutomaticEnv()

	// workaround for https://github.com/spf13/viper/issues/761
	// bind env vars explicitly so they unmarshal into the nested struct
	err := v.BindEnv(PostgresPassword)
	if err != nil {
		return nil, err
	}
	err = v.BindEnv(RedisPassword)
	if err != nil {
		return nil, err
	}
	err = v.BindEnv(SMTPPassword)
	if err != nil {
		return nil, err
	}
	err = v.BindEnv(NerscClientID)
	if err != nil {
		return nil, err
	}
	err = v.BindEnv(NerscClientKeyPath)
	if err != nil {
		return nil, err
	}

	v.SetDefault(PostgresHost, "localhost")
	v.SetDefault(PostgresPort, 5432)
	v.SetDefault(PostgresMaxIdleConns, 2)
	v.SetDefault(PostgresMaxOpenConns, 10)
	v.SetDefault(PostgresConnTTL, 10*time.Minute)

	v.SetDefault(RedisHost, "localhost")
	v.SetDefault(RedisPort, 6379)
	v.SetDefault(RedisQueue, "bilbomd")

	v.SetDefault(AppLogLevel, int(slog.LevelInfo))
	v.SetDefault(UseOTLP, false)

	v.SetDefault(AppsCHARMM, "/usr/local/bin/charmm")
	v.SetDefault(AppsFoXS, "/usr/bin/foxs")
	v.SetDefault(AppsMultiFoXS, "/usr/bin/multi_foxs")
	v.SetDefault(AppsPepsiSANS, "/usr/bin/Pepsi-SANS")
	v.SetDefault(AppsGASANS, "/usr/local/bin/gasans")
	v.SetDefault(AppsPython, "/usr/bin/python3")

	v.SetDefault(UploadDir, "/bilbomd/uploads")
	v.SetDefault(ScriptsDir, "/app/scripts")
	v.SetDefault(TopologyDir, "/app/scripts/bilbomd_top_par_files.str")
	v.SetDefault(BilboMDURL, "https://bilbomd.bl1231.als.lbl.gov")

	v.SetDefault(NerscEnabled, false)
	v.SetDefault(NerscSite, "perlmutter")
	v.SetDefault(NerscPollTimeSecs, 2)
	v.SetDefault(NerscMonitorTimeSecs, 60)

	v.SetDefault(WorkerConcurrency, 1)
	v.SetDefault(WorkerMaxAttempts, 3)
	v.SetDefault(WorkerMessageTimeout, 48*time.Hour)

	err = v.ReadInConfig()
	if err != nil {
		// ignore config file not found to allow pure env config
		if _, ok := err.(*viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	err = v.Unmarshal(&config)
	if err != nil {
		configReady = false
		return nil, err
	}

	valid := validator.Create()
	err = valid.Validate(&config)
	if err != nil {
		configReady = false
		return nil, err
	}

	configReady = true
	return &config, nil
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s",
		url.QueryEscape(c.Postgres.User),
		url.QueryEscape(c.Postgres.Password),
		c.Postgres.Host, c.Postgres.Port,
		url.QueryEscape(c.Postgres.Database),
	)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
