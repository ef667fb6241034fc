package infra

// RedisNamespace — базовый префикс для изоляции данных проекта в Redis
const RedisNamespace = "agency"

// Ключи для Sets (состояние)
const (
	// RedisKeySuspendedAgents — адреса агентов, исключенных из обхода
	// (paused или removed). Источник истины — Postgres, Redis только
	// ускоряет доставку сигнала в планировщик.
	RedisKeySuspendedAgents = RedisNamespace + ":agents:suspended_set"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanAgentStatus — трансляция смены статуса агента:
	// intake-поверхность публикует, планировщик слушает.
	RedisChanAgentStatus = RedisNamespace + ":agents:status-signal"
)
