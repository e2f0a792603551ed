package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/countbot/countbot/internal/config"
)

// channelMeta drives the channel management endpoints.
type channelMeta struct {
	ID       string
	Name     string
	Required []string // config keys that must be non-empty to connect
}

var channelTable = []channelMeta{
	{ID: "telegram", Name: "Telegram", Required: []string{"token"}},
	{ID: "discord", Name: "Discord", Required: []string{"token"}},
	{ID: "qq", Name: "QQ", Required: []string{"app_id", "secret"}},
	{ID: "wechat", Name: "微信公众号", Required: []string{"app_id", "secret"}},
	{ID: "dingtalk", Name: "钉钉", Required: []string{"client_id", "client_secret"}},
	{ID: "feishu", Name: "飞书", Required: []string{"app_id", "app_secret"}},
}

// secretKeys are masked in any config returned over the API.
var secretKeys = map[string]bool{
	"token":         true,
	"secret":        true,
	"app_secret":    true,
	"client_secret": true,
}

func channelMetaByID(id string) (channelMeta, bool) {
	for _, m := range channelTable {
		if m.ID == id {
			return m, true
		}
	}
	return channelMeta{}, false
}

// channelConfigValue returns a pointer to the channel's config struct
// inside c, so callers can read or overwrite it in place.
func channelConfigValue(c *config.Config, id string) interface{} {
	switch id {
	case "telegram":
		return &c.Channels.Telegram
	case "discord":
		return &c.Channels.Discord
	case "qq":
		return &c.Channels.QQ
	case "wechat":
		return &c.Channels.WeChat
	case "dingtalk":
		return &c.Channels.DingTalk
	case "feishu":
		return &c.Channels.Feishu
	}
	return nil
}

// toMap renders a channel config struct as a JSON map with secrets masked.
func toMap(v interface{}, mask bool) map[string]interface{} {
	data, _ := json.Marshal(v)
	var m map[string]interface{}
	json.Unmarshal(data, &m)
	if mask {
		for key := range m {
			if s, ok := m[key].(string); ok && s != "" && secretKeys[key] {
				m[key] = "***"
			}
		}
	}
	return m
}

func (s *Server) handleChannelList(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Snapshot()
	var running map[string]bool
	if s.channels != nil {
		running = s.channels.Status()
	}

	list := make([]map[string]interface{}, 0, len(channelTable))
	for _, meta := range channelTable {
		cm := toMap(channelConfigValue(&snap, meta.ID), true)
		configured := true
		for _, key := range meta.Required {
			if v, _ := cm[key].(string); v == "" {
				configured = false
				break
			}
		}
		list = append(list, map[string]interface{}{
			"id":         meta.ID,
			"name":       meta.Name,
			"enabled":    cm["enabled"] == true,
			"configured": configured,
			"running":    running[meta.ID],
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": list})
}

func (s *Server) handleChannelStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]bool{}
	if s.channels != nil {
		status = s.channels.Status()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": status})
}

func (s *Server) handleChannelConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("channel")
	if _, ok := channelMetaByID(id); !ok {
		writeDetail(w, http.StatusNotFound, "未知渠道: "+id)
		return
	}
	snap := s.cfg.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel": id,
		"config":  toMap(channelConfigValue(&snap, id), true),
	})
}

type channelUpdateRequest struct {
	Channel string                 `json:"channel"`
	Config  map[string]interface{} `json:"config"`
}

func (s *Server) handleChannelUpdate(w http.ResponseWriter, r *http.Request) {
	var req channelUpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, ok := channelMetaByID(req.Channel); !ok {
		writeDetail(w, http.StatusNotFound, "未知渠道: "+req.Channel)
		return
	}

	// Masked secrets echoed back by the UI must not overwrite real values.
	for key, v := range req.Config {
		if v == "***" {
			delete(req.Config, key)
		} else if secretKeys[key] && v == "" {
			delete(req.Config, key)
		}
	}
	data, err := json.Marshal(req.Config)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid config")
		return
	}

	var applyErr error
	s.cfg.Update(func(c *config.Config) {
		applyErr = json.Unmarshal(data, channelConfigValue(c, req.Channel))
	})
	if applyErr != nil {
		writeDetail(w, http.StatusBadRequest, "invalid config: "+applyErr.Error())
		return
	}
	s.saveConfig()

	slog.Info("channel config updated", "channel", req.Channel)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "配置已保存，重启后生效",
	})
}

type channelTestRequest struct {
	Channel string                 `json:"channel"`
	Config  map[string]interface{} `json:"config"`
}

// handleChannelTest checks that the channel has every credential it needs,
// preferring values from the request over stored config.
func (s *Server) handleChannelTest(w http.ResponseWriter, r *http.Request) {
	var req channelTestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	meta, ok := channelMetaByID(req.Channel)
	if !ok {
		writeDetail(w, http.StatusNotFound, "未知渠道: "+req.Channel)
		return
	}

	snap := s.cfg.Snapshot()
	stored := toMap(channelConfigValue(&snap, req.Channel), false)

	var missing []string
	for _, key := range meta.Required {
		v, _ := req.Config[key].(string)
		if v == "" || v == "***" {
			v, _ = stored[key].(string)
		}
		if v == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": "缺少必需的配置项: " + strings.Join(missing, ", "),
		})
		return
	}

	resp := map[string]interface{}{
		"success": true,
		"message": "配置完整",
	}
	if s.channels != nil {
		if _, running := s.channels.Get(req.Channel); running {
			resp["message"] = "渠道已连接"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// saveConfig persists the live config when a path was configured.
func (s *Server) saveConfig() {
	if s.cfgPath == "" {
		return
	}
	if err := s.cfg.Save(s.cfgPath); err != nil {
		slog.Error("config save failed", "path", s.cfgPath, "error", err)
	}
}
