package dashapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	errMissingPresetName = errors.New("dashapi.preset.missing_name")
	errMissingPresetID   = errors.New("dashapi.preset.missing_id")
)

// Preset is a saved search.
type Preset struct {
	ID        string        `json:"id,omitempty"`
	Name      string        `json:"name"`
	Search    SearchRequest `json:"search"`
	CreatedAt time.Time     `json:"created_at"`
}

type presetList struct {
	Presets []Preset `json:"presets"`
}

// ListPresets returns the user's saved searches.
func (client *Client) ListPresets(ctx context.Context) ([]Preset, error) {
	var list presetList
	if err := client.call(ctx, client.gateway, http.MethodGet, presetsPath, nil, &list); err != nil {
		return nil, err
	}
	return list.Presets, nil
}

// SavePreset stores a search under a name and returns the stored preset.
func (client *Client) SavePreset(ctx context.Context, name string, search SearchRequest) (Preset, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		return Preset{}, errMissingPresetName
	}
	var saved Preset
	request := Preset{Name: trimmedName, Search: normalizeSearch(search)}
	if err := client.call(ctx, client.gateway, http.MethodPost, presetsPath, request, &saved); err != nil {
		return Preset{}, err
	}
	return saved, nil
}

// DeletePreset removes a saved search by id.
func (client *Client) DeletePreset(ctx context.Context, presetID string) error {
	trimmedID := strings.TrimSpace(presetID)
	if trimmedID == "" {
		return errMissingPresetID
	}
	return client.call(ctx, client.gateway, http.MethodDelete, presetsPath+"/"+url.PathEscape(trimmedID), nil, nil)
}
