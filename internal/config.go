package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultStopTimeout is the timeout in seconds for gracefully stopping the scanner
	// container before forcefully killing it.
	DefaultStopTimeout = 10

	// DefaultReadyTimeout bounds how long to wait for the scanner service to answer HTTP
	// requests after its container starts. Building the analysis images on a cold runner
	// is slow, so this is generous.
	DefaultReadyTimeout = 5 * time.Minute

	// DefaultScanTimeout bounds a single scan request, including upload of the archive
	// and analysis on the scanner side.
	DefaultScanTimeout = 30 * time.Minute

	DefaultScannerURL    = "http://127.0.0.1:8000/"
	DefaultScannerSource = "https://github.com/OrenGitHub/dhscanner"
	DefaultImageName     = ImageName("dhscanner:latest")
	DefaultDockerfile    = "Dockerfile"
	DefaultNetwork       = "host"
	DefaultOutput        = "output.sarif"
	DefaultConfigFile    = ".dhscan.yaml"
	DefaultDotenvFile    = ".env"
	DefaultGitHubAPIURL  = "https://api.github.com"
	DefaultToolName      = "dhscanner"

	DefaultArtifactRegion = "us-east-1"
)

// ErrInvalidConfig is returned by Validate when the configuration cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Repository string `yaml:"repository"`
	Ref        string `yaml:"ref"`
	Output     string `yaml:"output"`
	Verbose    bool   `yaml:"verbose"`

	Scanner  ScannerConfig  `yaml:"scanner"`
	Upload   UploadConfig   `yaml:"upload"`
	Artifact ArtifactConfig `yaml:"artifact"`

	// File is the configuration file that was loaded, if any.
	File string `yaml:"-"`
}

type ScannerConfig struct {
	URL          string        `yaml:"url"`
	Source       string        `yaml:"source"`
	SourceRef    string        `yaml:"source_ref"`
	Dockerfile   string        `yaml:"dockerfile"`
	Image        ImageName     `yaml:"image"`
	Network      string        `yaml:"network"`
	Env          Environment   `yaml:"env"`
	SkipService  bool          `yaml:"skip_service"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	ScanTimeout  time.Duration `yaml:"scan_timeout"`
	StopTimeout  int           `yaml:"stop_timeout"`
}

type UploadConfig struct {
	Enabled     bool   `yaml:"enabled"`
	APIURL      string `yaml:"api_url"`
	Repository  string `yaml:"repository"`
	CommitSHA   string `yaml:"commit_sha"`
	Ref         string `yaml:"ref"`
	ToolName    string `yaml:"tool_name"`
	CheckoutURI string `yaml:"checkout_uri"`
	Token       string `yaml:"-"`
}

type ArtifactConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
}

// Enabled reports whether reports should be archived to an object store.
func (a ArtifactConfig) Enabled() bool {
	return a.Endpoint != "" && a.Bucket != ""
}

// DefaultConfig returns the configuration used when no file, environment, or flags override it.
func DefaultConfig() Config {
	return Config{
		Repository: ".",
		Output:     DefaultOutput,
		Scanner: ScannerConfig{
			URL:          DefaultScannerURL,
			Source:       DefaultScannerSource,
			Dockerfile:   DefaultDockerfile,
			Image:        DefaultImageName,
			Network:      DefaultNetwork,
			ReadyTimeout: DefaultReadyTimeout,
			ScanTimeout:  DefaultScanTimeout,
			StopTimeout:  DefaultStopTimeout,
		},
		Upload: UploadConfig{
			Enabled:  true,
			APIURL:   DefaultGitHubAPIURL,
			ToolName: DefaultToolName,
		},
		Artifact: ArtifactConfig{
			Region: DefaultArtifactRegion,
			UseSSL: true,
		},
	}
}

// LoadDotenv merges the variables of the dotenv file at path in front of environment,
// so that variables already present in the process environment take precedence.
// A missing or unreadable file leaves environment unchanged.
func LoadDotenv(path string, environment []string) []string {
	values, err := godotenv.Read(path)
	if err != nil {
		return environment
	}

	merged := make([]string, 0, len(values)+len(environment))
	for key, value := range values {
		merged = append(merged, fmt.Sprintf("%s=%s", key, value))
	}
	return append(merged, environment...)
}

// LoadConfig builds the configuration from defaults, then the YAML configuration file,
// then environment variables. Command-line flags are applied afterwards by binding them
// with BindFlags, so they take precedence over everything loaded here.
//
// The configuration file is the value of --config in args, else DHSCAN_CONFIG, else
// .dhscan.yaml when it exists in the working directory.
func LoadConfig(args []string, environment []string) (Config, error) {
	lookup := make(map[string]string)
	for _, variable := range environment {
		key, value, ok := strings.Cut(variable, "=")
		if ok {
			lookup[key] = value
		}
	}

	config := DefaultConfig()

	path, explicit := configPath(args, lookup)
	if path != "" {
		err := config.loadFile(path)
		switch {
		case err == nil:
			config.File = path
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return Config{}, err
		}
	}

	if err := config.applyEnvironment(lookup); err != nil {
		return Config{}, err
	}

	return config, nil
}

func configPath(args []string, lookup map[string]string) (string, bool) {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		if value, ok := strings.CutPrefix(arg, "--config="); ok {
			return value, true
		}
		if arg == "--config" && i+1 < len(args) {
			return args[i+1], true
		}
	}

	if value := strings.TrimSpace(lookup["DHSCAN_CONFIG"]); value != "" {
		return value, true
	}

	return DefaultConfigFile, false
}

func (c *Config) loadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(content, c); err != nil {
		return fmt.Errorf("failed to parse config file %q: %w\nCheck the YAML syntax", path, err)
	}

	return nil
}

func (c *Config) applyEnvironment(lookup map[string]string) error {
	setString := func(target *string, keys ...string) {
		for _, key := range keys {
			if value := strings.TrimSpace(lookup[key]); value != "" {
				*target = value
				return
			}
		}
	}

	setBool := func(target *bool, key string) error {
		raw := strings.TrimSpace(lookup[key])
		if raw == "" {
			return nil
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("failed to parse %s=%q as a boolean: %w", key, raw, err)
		}
		*target = value
		return nil
	}

	setString(&c.Repository, "DHSCAN_REPOSITORY")
	setString(&c.Ref, "DHSCAN_REF")
	setString(&c.Output, "DHSCAN_OUTPUT")
	setString(&c.Scanner.URL, "DHSCAN_SCANNER_URL")
	setString(&c.Scanner.Source, "DHSCAN_SCANNER_SOURCE")
	setString(&c.Scanner.SourceRef, "DHSCAN_SCANNER_REF")
	setString(&c.Scanner.Dockerfile, "DHSCAN_SCANNER_DOCKERFILE")
	setString(&c.Scanner.Network, "DHSCAN_NETWORK")

	var image string
	setString(&image, "DHSCAN_SCANNER_IMAGE")
	if image != "" {
		c.Scanner.Image = ImageName(image)
	}

	setString(&c.Upload.APIURL, "GITHUB_API_URL")
	setString(&c.Upload.Repository, "GITHUB_REPOSITORY")
	setString(&c.Upload.CommitSHA, "GITHUB_SHA")
	setString(&c.Upload.Ref, "GITHUB_REF")
	setString(&c.Upload.CheckoutURI, "GITHUB_WORKSPACE")
	setString(&c.Upload.Token, "DHSCAN_GITHUB_TOKEN", "GITHUB_TOKEN")

	setString(&c.Artifact.Endpoint, "ARTIFACT_S3_ENDPOINT")
	setString(&c.Artifact.Region, "ARTIFACT_S3_REGION")
	setString(&c.Artifact.Bucket, "ARTIFACT_S3_BUCKET")
	setString(&c.Artifact.AccessKey, "ARTIFACT_S3_ACCESS_KEY", "MINIO_ROOT_USER")
	setString(&c.Artifact.SecretKey, "ARTIFACT_S3_SECRET_KEY", "MINIO_ROOT_PASSWORD")

	for key, target := range map[string]*bool{
		"DHSCAN_VERBOSE":      &c.Verbose,
		"DHSCAN_SKIP_SERVICE": &c.Scanner.SkipService,
		"DHSCAN_UPLOAD":       &c.Upload.Enabled,
		"ARTIFACT_S3_USE_SSL": &c.Artifact.UseSSL,
	} {
		if err := setBool(target, key); err != nil {
			return err
		}
	}

	return nil
}

// BindFlags registers command-line flags on fs. Each flag defaults to the value already
// held by the configuration, so flags only override what the user sets explicitly.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.String("config", c.File, "YAML configuration file")
	fs.BoolVarP(&c.Verbose, "verbose", "v", c.Verbose, "enable debug logging")

	fs.StringVar(&c.Repository, "repository", c.Repository, "path of the repository to scan")
	fs.StringVar(&c.Ref, "ref", c.Ref, "tag, branch, or commit to scan (default HEAD)")
	fs.StringVarP(&c.Output, "output", "o", c.Output, "path to write the SARIF report to")

	fs.StringVar(&c.Scanner.URL, "scanner-url", c.Scanner.URL, "URL of the scanner's HTTP endpoint")
	fs.StringVar(&c.Scanner.Source, "scanner-source", c.Scanner.Source, "git URL of the scanner source")
	fs.StringVar(&c.Scanner.SourceRef, "scanner-ref", c.Scanner.SourceRef, "branch or tag of the scanner source to build")
	fs.StringVar(&c.Scanner.Dockerfile, "scanner-dockerfile", c.Scanner.Dockerfile, "Dockerfile path inside the scanner source")
	fs.StringVar((*string)(&c.Scanner.Image), "scanner-image", string(c.Scanner.Image), "image name to tag the scanner build with")
	fs.StringVar(&c.Scanner.Network, "network", c.Scanner.Network, "container network for the scanner service")
	fs.StringArrayVar((*[]string)(&c.Scanner.Env), "scanner-env", c.Scanner.Env, "environment variable for the scanner container (repeatable)")
	fs.BoolVar(&c.Scanner.SkipService, "skip-service", c.Scanner.SkipService, "use an already running scanner instead of building one")
	fs.DurationVar(&c.Scanner.ReadyTimeout, "ready-timeout", c.Scanner.ReadyTimeout, "how long to wait for the scanner to become ready")
	fs.DurationVar(&c.Scanner.ScanTimeout, "scan-timeout", c.Scanner.ScanTimeout, "how long a scan request may take")

	fs.BoolVar(&c.Upload.Enabled, "upload", c.Upload.Enabled, "upload the report to GitHub code scanning")
	fs.StringVar(&c.Upload.Repository, "github-repository", c.Upload.Repository, "owner/name of the GitHub repository")
	fs.StringVar(&c.Upload.CommitSHA, "commit-sha", c.Upload.CommitSHA, "commit the report belongs to (default: resolved --ref)")
	fs.StringVar(&c.Upload.Ref, "upload-ref", c.Upload.Ref, "git reference the report belongs to, e.g. refs/tags/v1.0.0")
	fs.StringVar(&c.Upload.ToolName, "tool-name", c.Upload.ToolName, "tool name shown in code scanning")

	fs.StringVar(&c.Artifact.Endpoint, "artifact-endpoint", c.Artifact.Endpoint, "S3 endpoint to archive reports to")
	fs.StringVar(&c.Artifact.Bucket, "artifact-bucket", c.Artifact.Bucket, "S3 bucket to archive reports to")
}

// Validate checks that the configuration is usable for a scan.
func (c Config) Validate() error {
	var problems []string

	if !govalidator.IsRequestURL(c.Scanner.URL) {
		problems = append(problems, fmt.Sprintf("scanner url %q is not a valid URL", c.Scanner.URL))
	}

	if !c.Scanner.SkipService {
		if strings.TrimSpace(c.Scanner.Source) == "" {
			problems = append(problems, "scanner source is required unless --skip-service is set")
		}
		if strings.TrimSpace(string(c.Scanner.Image)) == "" {
			problems = append(problems, "scanner image name is required unless --skip-service is set")
		}
	}

	if c.Scanner.ReadyTimeout <= 0 {
		problems = append(problems, "ready timeout must be positive")
	}
	if c.Scanner.ScanTimeout <= 0 {
		problems = append(problems, "scan timeout must be positive")
	}

	if strings.TrimSpace(c.Output) == "" {
		problems = append(problems, "output path is required")
	}

	if c.Upload.Enabled {
		if !govalidator.IsRequestURL(c.Upload.APIURL) {
			problems = append(problems, fmt.Sprintf("GitHub API url %q is not a valid URL", c.Upload.APIURL))
		}
		if c.Upload.Repository != "" {
			owner, name, ok := strings.Cut(c.Upload.Repository, "/")
			if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
				problems = append(problems, fmt.Sprintf("GitHub repository %q must have the form owner/name", c.Upload.Repository))
			}
		}
	}

	if c.Artifact.Enabled() && !govalidator.IsDialString(c.Artifact.Endpoint) {
		problems = append(problems, fmt.Sprintf("artifact endpoint %q must have the form host:port", c.Artifact.Endpoint))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}

	return nil
}
