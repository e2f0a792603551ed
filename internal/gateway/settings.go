package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/countbot/countbot/internal/config"
	"github.com/countbot/countbot/internal/providers"
	"github.com/countbot/countbot/internal/tools"
)

const testConnectionTimeout = 15 * time.Second

// handleGetSettings returns the live config with secrets masked and the
// gateway password reduced to a set/unset flag.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Snapshot()

	agent := toMap(&snap.Agent, false)
	if key, _ := agent["api_key"].(string); key != "" {
		agent["api_key"] = "***"
	}

	chans := map[string]interface{}{}
	for _, meta := range channelTable {
		chans[meta.ID] = toMap(channelConfigValue(&snap, meta.ID), true)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent":    agent,
		"persona":  toMap(&snap.Persona, false),
		"channels": chans,
		"gateway": map[string]interface{}{
			"host":         snap.Gateway.Host,
			"port":         snap.Gateway.Port,
			"password_set": snap.Gateway.PasswordHash != "",
		},
		"tools":      toMap(&snap.Tools, false),
		"bus":        toMap(&snap.Bus, false),
		"heartbeat":  toMap(&snap.Heartbeat, false),
		"rate_limit": toMap(&snap.RateLimit, false),
	})
}

// scrubMasked removes "***" placeholder values so echoed-back masked
// secrets never overwrite the stored ones.
func scrubMasked(m map[string]interface{}) {
	for key, v := range m {
		switch val := v.(type) {
		case string:
			if val == "***" {
				delete(m, key)
			}
		case map[string]interface{}:
			scrubMasked(val)
		}
	}
}

// handlePutSettings merges the request body into the live config, saves
// it and hot-swaps the LLM provider.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var incoming map[string]interface{}
	if !decodeBody(w, r, &incoming) {
		return
	}
	scrubMasked(incoming)

	// A new gateway password arrives in plain text; store only its hash.
	var newHash, newSalt string
	if gw, ok := incoming["gateway"].(map[string]interface{}); ok {
		if pw, ok := gw["password"].(string); ok {
			if pw != "" {
				newSalt = uuid.NewString()
				newHash = hashPassword(newSalt, pw)
			}
			delete(gw, "password")
		}
		// The UI never holds the real hash, only the set flag.
		delete(gw, "password_set")
		delete(gw, "password_hash")
		delete(gw, "password_salt")
	}

	data, err := json.Marshal(incoming)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid settings")
		return
	}

	var applyErr error
	s.cfg.Update(func(c *config.Config) {
		applyErr = json.Unmarshal(data, c)
		if applyErr == nil && newHash != "" {
			c.Gateway.PasswordHash = newHash
			c.Gateway.PasswordSalt = newSalt
		}
	})
	if applyErr != nil {
		writeDetail(w, http.StatusBadRequest, "invalid settings: "+applyErr.Error())
		return
	}
	s.saveConfig()
	s.reloadProvider()

	slog.Info("settings updated")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// reloadProvider rebuilds the LLM client from the current agent config so
// model or key changes apply without a restart.
func (s *Server) reloadProvider() {
	if s.loop == nil {
		return
	}
	snap := s.cfg.Snapshot()
	if snap.Agent.APIKey == "" {
		return
	}
	s.loop.SetProvider(providers.New(
		snap.Agent.Provider, snap.Agent.APIKey, snap.Agent.APIBase, snap.Agent.Model))
	slog.Info("provider reloaded", "provider", snap.Agent.Provider, "model", snap.Agent.Model)
}

type testConnectionRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	APIBase  string `json:"api_base"`
	Model    string `json:"model"`
}

// handleTestConnection fires a one-token chat request at the given
// provider to verify credentials before the user saves them.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	snap := s.cfg.Snapshot()
	if req.Provider == "" {
		req.Provider = snap.Agent.Provider
	}
	if req.APIKey == "" || req.APIKey == "***" {
		req.APIKey = snap.Agent.APIKey
	}
	if req.APIKey == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": "未配置 API Key",
		})
		return
	}

	provider := providers.New(req.Provider, req.APIKey, req.APIBase, req.Model)
	ctx, cancel := context.WithTimeout(r.Context(), testConnectionTimeout)
	defer cancel()

	resp, err := provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "ping"}},
		Model:    req.Model,
		Options:  map[string]interface{}{providers.OptMaxTokens: 10},
	})
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": providers.FriendlyError(err),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "连接成功",
		"model":   provider.DefaultModel(),
		"preview": resp.Content,
	})
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	known := providers.Known()
	list := make([]map[string]interface{}, 0, len(known))
	for _, m := range known {
		list = append(list, map[string]interface{}{
			"id":               m.ID,
			"name":             m.DisplayName,
			"default_api_base": m.DefaultAPIBase,
			"default_model":    m.DefaultModel,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": list})
}

func (s *Server) handleDangerousPatterns(w http.ResponseWriter, r *http.Request) {
	patterns := tools.DangerousPatterns()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": patterns,
		"count":    len(patterns),
	})
}
