package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// validHFRepoPattern matches valid HuggingFace repo paths (e.g., "meta-llama/Llama-3.1-8B-Instruct").
// Rejects URL-special characters (?, #, @, spaces) that could alter URL semantics.
var validHFRepoPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+/[a-zA-Z0-9._-]+$`)

const (
	hfBaseURL       = "https://huggingface.co"
	hfConfigFile    = "config.json"
	modelConfigsDir = "model_configs"
	httpTimeout     = 30 * time.Second
	// maxResponseBytes caps HF config.json reads to 10 MB — real config.json files
	// are typically <100 KB.
	maxResponseBytes = 10 << 20 // 10 MB
)

// FetchModelConfig resolves a config.json for hfRepo, preferring an
// already-cached copy under cacheDir/model_configs/<short-name>/ and
// falling back to a HuggingFace download. Returns the directory
// containing config.json, suitable as modelconfig.Load's argument
// (joined with hfConfigFile).
func FetchModelConfig(hfRepo, cacheDir string) (string, error) {
	localDir, err := bundledModelConfigDir(hfRepo, cacheDir)
	if err != nil {
		return "", fmt.Errorf("--hf-repo: invalid model name %q: %w", hfRepo, err)
	}

	localPath := filepath.Join(localDir, hfConfigFile)
	if data, err := os.ReadFile(localPath); err == nil {
		if json.Valid(data) && isHFConfig(data) {
			logrus.Infof("using cached config at %s", localDir)
			return localDir, nil
		}
		logrus.Warnf("cached config at %s lacks expected HuggingFace fields; refetching", localPath)
	}

	fetchedDir, err := fetchHFConfigFunc(hfRepo, localDir)
	if err != nil {
		return "", fmt.Errorf("fetch config for %s: %w", hfRepo, err)
	}
	logrus.Infof("fetched config for %s into %s", hfRepo, fetchedDir)
	return fetchedDir, nil
}

// fetchHFConfigFunc is the function used to fetch HF configs. Package-level
// variable allows tests to inject a mock without hitting real HuggingFace.
var fetchHFConfigFunc = fetchHFConfig

// fetchHFConfig downloads config.json from HuggingFace and writes it to targetDir.
// Supports HF_TOKEN env var for gated models.
func fetchHFConfig(hfRepo, targetDir string) (string, error) {
	if !validHFRepoPattern.MatchString(hfRepo) {
		return "", fmt.Errorf("invalid HuggingFace repo name %q: must match org/model pattern with alphanumeric, '.', '-', '_' characters", hfRepo)
	}
	fetchURL := fmt.Sprintf("%s/%s/resolve/main/%s", hfBaseURL, hfRepo, hfConfigFile)
	return fetchHFConfigFromURL(fetchURL, targetDir)
}

// fetchHFConfigFromURL fetches config.json from the given URL and writes it to targetDir.
// Extracted for testability (allows injecting test server URLs).
func fetchHFConfigFromURL(url, targetDir string) (string, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	if token := os.Getenv("HF_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{
		Timeout: httpTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("too many redirects (max 3)")
			}
			// HF uses CDN redirects (e.g., cdn-lfs.huggingface.co), which are legitimate.
			host := req.URL.Hostname()
			if host != "huggingface.co" && !strings.HasSuffix(host, ".huggingface.co") {
				return fmt.Errorf("redirect to non-HuggingFace host %q blocked", host)
			}
			if host != "huggingface.co" {
				req.Header.Del("Authorization")
			}
			return nil
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		// success, continue
	case http.StatusNotFound:
		return "", fmt.Errorf("not found on HuggingFace (HTTP 404). Check --hf-repo spelling. URL: %s", url)
	case http.StatusUnauthorized:
		return "", fmt.Errorf("authentication required (HTTP 401). Set HF_TOKEN env var. URL: %s", url)
	default:
		return "", fmt.Errorf("unexpected HTTP %d from HuggingFace for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if int64(len(body)) > maxResponseBytes {
		return "", fmt.Errorf("response body exceeds %d bytes limit — likely not a config.json", maxResponseBytes)
	}

	if !json.Valid(body) {
		return "", fmt.Errorf("response from %s is not valid JSON", url)
	}

	// Catches empty objects {}, HF error responses like {"error": "..."},
	// and non-config JSON that otherwise passes json.Valid.
	if !isHFConfig(body) {
		return "", fmt.Errorf("response from %s is valid JSON but does not contain expected "+
			"HuggingFace config fields (num_hidden_layers, hidden_size); the model may not "+
			"exist or the response is an error page", url)
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", targetDir, err)
	}

	targetPath := filepath.Join(targetDir, hfConfigFile)
	if err := os.WriteFile(targetPath, body, 0o644); err != nil {
		return "", fmt.Errorf("write config file %s: %w", targetPath, err)
	}

	return targetDir, nil
}

// isHFConfig checks whether JSON bytes contain at least one expected
// HuggingFace transformer config field, to avoid caching empty JSON,
// error responses, or other non-config JSON.
func isHFConfig(data []byte) bool {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	_, hasLayers := m["num_hidden_layers"]
	_, hasHidden := m["hidden_size"]
	return hasLayers || hasHidden
}

// bundledModelConfigDir returns the cache path for a model's config.json.
// "meta-llama/llama-3.1-8b-instruct" maps to "<baseDir>/model_configs/llama-3.1-8b-instruct/".
func bundledModelConfigDir(model, baseDir string) (string, error) {
	parts := strings.SplitN(model, "/", 2)
	shortName := model
	if len(parts) == 2 {
		shortName = parts[1]
	}

	shortName = filepath.Clean(shortName)
	if strings.Contains(shortName, "..") || filepath.IsAbs(shortName) {
		return "", fmt.Errorf("model name %q contains invalid path components", model)
	}

	if baseDir != "" {
		return filepath.Join(baseDir, modelConfigsDir, shortName), nil
	}
	return filepath.Join(modelConfigsDir, shortName), nil
}
