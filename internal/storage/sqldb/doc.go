// Package sqldb 提供基于 database/sql 的持久化实现，支持 MySQL 与嵌入式 SQLite，
// 覆盖代理名册、记忆快照、任务日志、会话、复核请求与异步作业。
package sqldb
