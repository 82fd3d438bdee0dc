package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

const apiVersion = "2022-11-28"

var (
	ErrNotConfigured = errors.New("code scanning upload is not configured")
	ErrInvalidReport = errors.New("invalid code scanning report")
	ErrRejected      = errors.New("code scanning upload rejected")
)

var commitSHA = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Report is a SARIF document together with the commit and ref it describes.
type Report struct {
	CommitSHA   string
	Ref         string
	ToolName    string
	CheckoutURI string
	SARIF       []byte
}

// Receipt identifies an accepted upload. GitHub processes uploads asynchronously;
// URL can be polled for the processing status.
type Receipt struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type request struct {
	CommitSHA   string `json:"commit_sha"`
	Ref         string `json:"ref"`
	SARIF       string `json:"sarif"`
	ToolName    string `json:"tool_name,omitempty"`
	CheckoutURI string `json:"checkout_uri,omitempty"`
}

type GitHubUploader struct {
	apiURL     string
	token      string
	repository string
	http       *http.Client
	logger     zerolog.Logger
}

type Option func(*GitHubUploader)

// WithHTTPClient replaces the HTTP client used for uploads.
func WithHTTPClient(c *http.Client) Option {
	return func(u *GitHubUploader) {
		u.http = c
	}
}

// WithLogger sets the logger used for upload diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(u *GitHubUploader) {
		u.logger = logger
	}
}

// NewGitHubUploader returns an uploader for the repository "owner/name" on the GitHub API at
// apiURL. Returns ErrNotConfigured when the token or repository is missing, which is the case
// when running outside of GitHub Actions.
func NewGitHubUploader(apiURL, token, repository string, options ...Option) (*GitHubUploader, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: no GitHub token (set GITHUB_TOKEN)", ErrNotConfigured)
	}
	if strings.TrimSpace(repository) == "" {
		return nil, fmt.Errorf("%w: no GitHub repository (set GITHUB_REPOSITORY or --github-repository)", ErrNotConfigured)
	}

	uploader := &GitHubUploader{
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		token:      token,
		repository: repository,
		http:       http.DefaultClient,
		logger:     zerolog.Nop(),
	}

	for _, option := range options {
		option(uploader)
	}

	return uploader, nil
}

// Upload sends report to the code scanning API. The SARIF document is gzip-compressed and
// base64-encoded as the API requires.
func (u *GitHubUploader) Upload(ctx context.Context, report Report) (Receipt, error) {
	if !commitSHA.MatchString(report.CommitSHA) {
		return Receipt{}, fmt.Errorf("%w: commit sha %q must be a full 40 character SHA", ErrInvalidReport, report.CommitSHA)
	}
	if !strings.HasPrefix(report.Ref, "refs/") {
		return Receipt{}, fmt.Errorf("%w: ref %q must be fully qualified, e.g. refs/tags/v1.0.0", ErrInvalidReport, report.Ref)
	}
	if len(report.SARIF) == 0 {
		return Receipt{}, fmt.Errorf("%w: empty sarif document", ErrInvalidReport)
	}

	encoded, err := encode(report.SARIF)
	if err != nil {
		return Receipt{}, err
	}

	body, err := json.Marshal(request{
		CommitSHA:   report.CommitSHA,
		Ref:         report.Ref,
		SARIF:       encoded,
		ToolName:    report.ToolName,
		CheckoutURI: report.CheckoutURI,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to encode upload request: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/code-scanning/sarifs", u.apiURL, u.repository)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to create upload request for %q: %w", url, err)
	}
	httpRequest.Header.Set("Accept", "application/vnd.github+json")
	httpRequest.Header.Set("Authorization", "Bearer "+u.token)
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("X-GitHub-Api-Version", apiVersion)

	response, err := u.http.Do(httpRequest)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to upload sarif report to %q: %w", url, err)
	}
	defer response.Body.Close()

	content, err := io.ReadAll(response.Body)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to read upload response: %w", err)
	}

	u.logger.Debug().
		Str("repository", u.repository).
		Str("ref", report.Ref).
		Int("status", response.StatusCode).
		Int("sarif_bytes", len(report.SARIF)).
		Int("encoded_bytes", len(encoded)).
		Msg("sarif upload finished")

	if response.StatusCode != http.StatusAccepted && response.StatusCode != http.StatusOK {
		var apiError struct {
			Message string `json:"message"`
		}
		message := strings.TrimSpace(string(content))
		if json.Unmarshal(content, &apiError) == nil && apiError.Message != "" {
			message = apiError.Message
		}
		return Receipt{}, fmt.Errorf("%w: status %d: %s\nCheck that the token has the security_events scope", ErrRejected, response.StatusCode, message)
	}

	var receipt Receipt
	if err := json.Unmarshal(content, &receipt); err != nil {
		return Receipt{}, fmt.Errorf("failed to decode upload response: %w", err)
	}

	return receipt, nil
}

func encode(document []byte) (string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(document); err != nil {
		return "", fmt.Errorf("failed to compress sarif report: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("failed to compress sarif report: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
