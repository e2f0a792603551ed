package providers

import "strings"

// FriendlyError maps a raw provider error onto a short user-facing message,
// so channel users see actionable hints instead of HTTP dumps.
func FriendlyError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "429", "余额", "quota", "rate limit", "资源包", "充值"):
		return "AI 服务额度不足，请联系管理员检查 API 账户余额。"
	case containsAny(msg, "401", "unauthorized", "api_key", "authentication"):
		return "API 认证失败，请联系管理员检查密钥配置。"
	case containsAny(msg, "timeout", "connection", "network", "ssl"):
		return "网络连接异常，请稍后重试。"
	case containsAny(msg, "context length", "too long"):
		return "对话上下文过长，请发送 /new 创建新会话后重试。"
	case containsAny(msg, "404", "model not found", "model_not_found", "does not exist"):
		return "所选模型不可用，请在设置中确认模型名称是否正确。"
	case containsAny(msg, "500", "502", "503", "504", "service unavailable"):
		return "AI 服务暂时不可用，请稍后重试。"
	default:
		return "处理消息时出错，请稍后重试。"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
