package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "predator"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanViewUpdates анонсирует новую версию состояния вида, формат "<session>:<version>".
	RedisChanViewUpdates = RedisNamespace + ":view:updates"
)

// ViewStateKey: ключ, под которым лежит последний JSON состояния вида.
func ViewStateKey(session string) string {
	return fmt.Sprintf("%s:view:%s", RedisNamespace, session)
}
