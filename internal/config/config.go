package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port               string
	DatabaseURL        string
	DBMaxOpenConns     int
	RequestTimeoutSec  int
	CORSOrigins        []string
	WebhookToken       string
	DataEncryptionKeys string
	CurrentDataKeyVer  string
	// Evolution API: optional YAML with instance → clinic mappings, overriding evolution_configs
	EvolutionInstancesFile string
	GatewayRatePerSec      float64
	// Boleto flow policy
	SessionTTL     time.Duration
	MaxRetries     int
	TimeZone       string
	AttachPDF      bool
	PaymentLinkURL string
	// Domain events (RabbitMQ); empty URL disables publishing
	AMQPURL      string
	AMQPExchange string
}

// Load reads the environment, after loading a local .env file when one exists.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env: %v", err)
	}
	cors := getEnv("CORS_ORIGINS", "*")
	var origins []string
	for _, o := range strings.Split(cors, ",") {
		if t := strings.TrimSpace(o); t != "" {
			origins = append(origins, t)
		}
	}
	return &Config{
		Port:                   getEnv("PORT", "8080"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:         getEnvInt("DB_MAX_OPEN_CONNS", 10),
		RequestTimeoutSec:      getEnvInt("REQUEST_TIMEOUT_SEC", 25),
		CORSOrigins:            origins,
		WebhookToken:           os.Getenv("WEBHOOK_TOKEN"),
		DataEncryptionKeys:     getEnv("DATA_ENCRYPTION_KEYS", "v1:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"),
		CurrentDataKeyVer:      getEnv("CURRENT_DATA_KEY_VERSION", "v1"),
		EvolutionInstancesFile: os.Getenv("EVOLUTION_INSTANCES_FILE"),
		GatewayRatePerSec:      getEnvFloat("GATEWAY_RATE_PER_SEC", 5),
		SessionTTL:             getEnvDuration("BOLETO_SESSION_TTL", 30*time.Minute),
		MaxRetries:             getEnvInt("BOLETO_MAX_RETRIES", 5),
		TimeZone:               getEnv("BOLETO_TIMEZONE", "America/Sao_Paulo"),
		AttachPDF:              getEnvBool("BOLETO_ATTACH_PDF", false),
		PaymentLinkURL:         os.Getenv("PAYMENT_LINK_BASE_URL"),
		AMQPURL:                os.Getenv("AMQP_URL"),
		AMQPExchange:           getEnv("AMQP_EXCHANGE", "boleto.events"),
	}
}

// Location resolves TimeZone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		log.Printf("[config] BOLETO_TIMEZONE %q: %v, using UTC", c.TimeZone, err)
		return time.UTC
	}
	return loc
}

// Instance maps an Evolution API instance to a clinic.
type Instance struct {
	Name       string    `yaml:"name"`
	ClinicID   uuid.UUID `yaml:"clinic_id"`
	ClinicName string    `yaml:"clinic_name"`
	APIURL     string    `yaml:"api_url"`
	// APIKey accepts ${VAR} references to the environment.
	APIKey   string `yaml:"api_key"`
	Disabled bool   `yaml:"disabled"`
}

type instancesFile struct {
	Instances []Instance `yaml:"instances"`
}

// LoadInstances parses the YAML instance mapping. An empty path yields no instances.
func LoadInstances(path string) ([]Instance, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instances file: %w", err)
	}
	return ParseInstances(raw)
}

func ParseInstances(raw []byte) ([]Instance, error) {
	var f instancesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse instances file: %w", err)
	}
	seen := map[string]bool{}
	for i := range f.Instances {
		in := &f.Instances[i]
		if in.Name == "" || in.ClinicID == uuid.Nil || in.APIURL == "" {
			return nil, fmt.Errorf("instance #%d: name, clinic_id and api_url are required", i+1)
		}
		if seen[in.Name] {
			return nil, fmt.Errorf("instance %q declared twice", in.Name)
		}
		seen[in.Name] = true
		in.APIKey = os.ExpandEnv(in.APIKey)
		in.APIURL = strings.TrimRight(in.APIURL, "/")
	}
	return f.Instances, nil
}

func getEnv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getEnvInt(k string, d int) int {
	v, err := strconv.Atoi(os.Getenv(k))
	if err != nil {
		return d
	}
	return v
}

func getEnvFloat(k string, d float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(k), 64)
	if err != nil || v <= 0 {
		return d
	}
	return v
}

func getEnvBool(k string, d bool) bool {
	v, err := strconv.ParseBool(os.Getenv(k))
	if err != nil {
		return d
	}
	return v
}

func getEnvDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(k))
	if err != nil || v <= 0 {
		return d
	}
	return v
}
