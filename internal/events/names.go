package events

import "time"

// Well-known events.
const (
	GameLaunched     = "game:launched"
	GameExited       = "game:exited"
	ScraperProgress  = "scraper:progress"
	DownloadProgress = "download:progress"
	SettingsChanged  = "settings:changed"
	AppReady         = "app:ready"
)

type GameLaunchedPayload struct {
	GameID string `json:"gameId"`
	PID    int    `json:"pid,omitempty"`
}

type GameExitedPayload struct {
	GameID   string        `json:"gameId"`
	ExitCode int           `json:"exitCode"`
	PlayTime time.Duration `json:"playTime"`
}

type ScraperProgressPayload struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	GameID  string `json:"gameId,omitempty"`
}

type DownloadProgressPayload struct {
	URL     string `json:"url"`
	Written int64  `json:"written"`
	Total   int64  `json:"total"`
}

type SettingsChangedPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type AppReadyPayload struct {
	Version string `json:"version"`
}
