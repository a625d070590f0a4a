package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// Status mirrors the original agent's UpdateStatus constants.
type Status string

const (
	StatusChecking    Status = "checking"
	StatusAvailable   Status = "available"
	StatusDownloading Status = "downloading"
	StatusVerifying   Status = "verifying"
	StatusInstalling  Status = "installing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusNoUpdate    Status = "no_update"
)

// Info is the update-availability response from the update server.
type Info struct {
	Available    bool   `json:"available"`
	Version      string `json:"version"`
	DownloadURL  string `json:"download_url"`
	SignatureURL string `json:"signature_url"`
	Size         int64  `json:"size"`
}

// ProgressFunc is invoked as the update proceeds through its stages.
type ProgressFunc func(status Status, progress float64, message string)

// Config configures a Client.
type Config struct {
	ServerURL   string
	AgentID     string
	APIKey      string
	InstallDir  string
	BackupDir   string
	Verifier    *Verifier
	HTTPClient  *http.Client
	OnProgress  ProgressFunc
}

const defaultHTTPTimeout = 5 * time.Minute

// Client drives the agent's OTA update process: check, download, verify,
// install, and restart.
type Client struct {
	serverURL  string
	agentID    string
	apiKey     string
	installDir string
	backupDir  string
	verifier   *Verifier
	httpClient *http.Client
	onProgress ProgressFunc
	logger     *zap.Logger
}

// New constructs a Client and ensures its install/backup directories exist.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	backupDir := cfg.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(cfg.InstallDir, "backup")
	}
	if err := os.MkdirAll(cfg.InstallDir, 0750); err != nil {
		return nil, fmt.Errorf("update: create install dir: %w", err)
	}
	if err := os.MkdirAll(backupDir, 0750); err != nil {
		return nil, fmt.Errorf("update: create backup dir: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &Client{
		serverURL:  cfg.ServerURL,
		agentID:    cfg.AgentID,
		apiKey:     cfg.APIKey,
		installDir: cfg.InstallDir,
		backupDir:  backupDir,
		verifier:   cfg.Verifier,
		httpClient: httpClient,
		onProgress: cfg.OnProgress,
		logger:     logger.Named("update"),
	}, nil
}

func (c *Client) notify(status Status, progress float64, message string) {
	c.logger.Info("update progress", zap.String("status", string(status)),
		zap.Float64("progress", progress), zap.String("message", message))
	if c.onProgress != nil {
		c.onProgress(status, progress, message)
	}
}

func (c *Client) authedRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

// CheckForUpdates queries the update server for a newer version than
// currentVersion. Returns (nil, nil) when none is available.
func (c *Client) CheckForUpdates(ctx context.Context, currentVersion Version) (*Info, error) {
	c.notify(StatusChecking, 0, "checking for updates")

	endpoint, err := url.Parse(fmt.Sprintf("%s/api/v1/agents/%s/updates", c.serverURL, c.agentID))
	if err != nil {
		return nil, fmt.Errorf("update: build check url: %w", err)
	}
	q := endpoint.Query()
	q.Set("current_version", currentVersion.String())
	q.Set("platform", runtime.GOOS)
	q.Set("architecture", runtime.GOARCH)
	endpoint.RawQuery = q.Encode()

	req, err := c.authedRequest(ctx, http.MethodGet, endpoint.String())
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.notify(StatusFailed, 0, "update check failed: "+err.Error())
		return nil, fmt.Errorf("update: check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.notify(StatusNoUpdate, 100, "no updates available")
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("update: check request returned status %d", resp.StatusCode)
		c.notify(StatusFailed, 0, err.Error())
		return nil, err
	}

	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("update: decode check response: %w", err)
	}
	if !info.Available {
		c.notify(StatusNoUpdate, 100, "no updates available")
		return nil, nil
	}

	c.notify(StatusAvailable, 100, "update available: "+info.Version)
	return &info, nil
}

// downloadResult bundles a downloaded package with its detached signature,
// when the server published one.
type downloadResult struct {
	packagePath   string
	signaturePath string
}

// Download fetches the update package (and its .sig file, if published)
// into a fresh temp directory, reporting progress as bytes arrive.
func (c *Client) Download(ctx context.Context, info Info) (downloadResult, error) {
	c.notify(StatusDownloading, 0, "starting download")

	tmpDir, err := os.MkdirTemp("", "agent-update-*")
	if err != nil {
		return downloadResult{}, fmt.Errorf("update: create temp dir: %w", err)
	}

	packagePath := filepath.Join(tmpDir, "update_package.tar.gz")
	if err := c.downloadFile(ctx, info.DownloadURL, packagePath, info.Size); err != nil {
		return downloadResult{}, err
	}

	result := downloadResult{packagePath: packagePath}
	if info.SignatureURL != "" {
		sigPath := packagePath + ".sig"
		if err := c.downloadFile(ctx, info.SignatureURL, sigPath, 0); err != nil {
			return downloadResult{}, err
		}
		result.signaturePath = sigPath
	}

	c.notify(StatusDownloading, 100, "download completed")
	return result, nil
}

func (c *Client) downloadFile(ctx context.Context, rawURL, destPath string, expectedSize int64) error {
	req, err := c.authedRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.notify(StatusFailed, 0, "download failed: "+err.Error())
		return fmt.Errorf("update: download request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("update: download returned status %d", resp.StatusCode)
		c.notify(StatusFailed, 0, err.Error())
		return err
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("update: create download file: %w", err)
	}
	defer out.Close()

	progressWriter := &progressTracker{total: expectedSize, onProgress: func(downloaded int64) {
		if expectedSize > 0 {
			pct := float64(downloaded) / float64(expectedSize) * 100
			c.notify(StatusDownloading, pct, fmt.Sprintf("downloaded %d/%d bytes", downloaded, expectedSize))
		}
	}}

	if _, err := io.Copy(out, io.TeeReader(resp.Body, progressWriter)); err != nil {
		return fmt.Errorf("update: write download: %w", err)
	}
	return nil
}

// progressTracker wraps io.Copy to report bytes seen so far, writing no data
// itself — it satisfies io.Writer purely for the byte-count side effect.
type progressTracker struct {
	total      int64
	seen       int64
	onProgress func(int64)
}

func (p *progressTracker) Write(b []byte) (int, error) {
	p.seen += int64(len(b))
	if p.onProgress != nil {
		p.onProgress(p.seen)
	}
	return len(b), nil
}

// Verify checks the package's signature, its structural validity, and that
// its version is newer than currentVersion. A package with no published
// signature, or a Client with no Verifier, fails with ErrSignatureInvalid.
func (c *Client) Verify(dl downloadResult, currentVersion Version) (PackageInfo, error) {
	c.notify(StatusVerifying, 0, "verifying package")

	data, err := os.ReadFile(dl.packagePath)
	if err != nil {
		return PackageInfo{}, fmt.Errorf("update: read package: %w", err)
	}

	if dl.signaturePath == "" {
		err := fmt.Errorf("%w: no signature published for this package", ErrSignatureInvalid)
		c.notify(StatusFailed, 0, err.Error())
		return PackageInfo{}, err
	}
	if c.verifier == nil {
		err := fmt.Errorf("%w: no verifier configured", ErrSignatureInvalid)
		c.notify(StatusFailed, 0, err.Error())
		return PackageInfo{}, err
	}

	sigData, err := os.ReadFile(dl.signaturePath)
	if err != nil {
		return PackageInfo{}, fmt.Errorf("update: read signature: %w", err)
	}
	var sig SignatureInfo
	if err := json.Unmarshal(sigData, &sig); err != nil {
		return PackageInfo{}, fmt.Errorf("update: parse signature: %w", err)
	}

	if err := c.verifier.Verify(data, sig); err != nil {
		c.notify(StatusFailed, 0, err.Error())
		return PackageInfo{}, err
	}

	peekDir, err := os.MkdirTemp("", "agent-update-peek-*")
	if err != nil {
		return PackageInfo{}, fmt.Errorf("update: create peek dir: %w", err)
	}
	defer os.RemoveAll(peekDir)

	info, err := ExtractPackage(dl.packagePath, peekDir)
	if err != nil {
		c.notify(StatusFailed, 0, err.Error())
		return PackageInfo{}, err
	}

	packageVersion, err := ParseVersion(info.Version)
	if err != nil {
		c.notify(StatusFailed, 0, err.Error())
		return PackageInfo{}, err
	}
	if !IsNewer(packageVersion, currentVersion) {
		err := fmt.Errorf("update: package version %s is not newer than current %s", packageVersion, currentVersion)
		c.notify(StatusFailed, 0, err.Error())
		return PackageInfo{}, err
	}

	c.notify(StatusVerifying, 100, "package verification completed")
	return info, nil
}

// InstallFromPackage backs up the current installation, then extracts and
// installs the package — the caller is expected to have already verified it
// via Verify. It does not write a version file; nothing in this package
// persists the installed version.
func (c *Client) InstallFromPackage(ctx context.Context, packagePath string, info PackageInfo) error {
	c.notify(StatusInstalling, 0, "starting installation")

	if _, err := CreateBackup(c.installDir, c.backupDir, time.Now()); err != nil {
		err = fmt.Errorf("update: create backup: %w", err)
		c.notify(StatusFailed, 0, err.Error())
		return err
	}
	c.notify(StatusInstalling, 20, "backup created")

	extractDir, err := os.MkdirTemp("", "agent-update-install-*")
	if err != nil {
		return fmt.Errorf("update: create extract dir: %w", err)
	}
	defer os.RemoveAll(extractDir)

	if _, err := ExtractPackage(packagePath, extractDir); err != nil {
		c.notify(StatusFailed, 0, err.Error())
		return err
	}
	c.notify(StatusInstalling, 40, "package extracted")

	if err := Install(ctx, extractDir, c.installDir, info); err != nil {
		c.notify(StatusFailed, 0, err.Error())
		return err
	}
	c.notify(StatusInstalling, 100, "installation completed")
	return nil
}

// Rollback restores the most recent backup (or a named one) into the
// install directory.
func (c *Client) Rollback(backupName string) error {
	backupPath := backupName
	if backupPath == "" {
		latest, err := LatestBackup(c.backupDir)
		if err != nil {
			return err
		}
		if latest == "" {
			return errors.New("update: no backups found")
		}
		backupPath = latest
	} else {
		backupPath = filepath.Join(c.backupDir, backupName)
	}
	return Rollback(backupPath, c.installDir)
}

// ScheduleRestart writes a restart script that waits delay before restarting
// the agent process, preferring systemd/service managers and falling back to
// a direct process relaunch — the same fallback chain the original agent
// used, translated from a Python module invocation to a restart of the
// compiled agent binary — and starts it with /bin/sh. The script runs as an
// ordinary child process in the agent's session, started with ctx:
// cancelling ctx before the script finishes kills it.
func (c *Client) ScheduleRestart(ctx context.Context, delay time.Duration, binaryPath string) error {
	script := filepath.Join(c.installDir, "restart_agent.sh")
	content := fmt.Sprintf(`#!/bin/sh
sleep %d
if command -v systemctl >/dev/null 2>&1; then
    systemctl restart netprobe-agent
elif command -v service >/dev/null 2>&1; then
    service netprobe-agent restart
else
    pkill -f "%s" 2>/dev/null
    "%s" &
fi
`, int(delay.Seconds()), binaryPath, binaryPath)

	if err := os.WriteFile(script, []byte(content), 0700); err != nil {
		return fmt.Errorf("update: write restart script: %w", err)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", script)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("update: launch restart script: %w", err)
	}
	return nil
}

// CleanupOldBackups deletes all but the keepCount most recent backups.
func (c *Client) CleanupOldBackups(keepCount int) (int, error) {
	return CleanupOldBackups(c.backupDir, keepCount)
}
