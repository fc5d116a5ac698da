// Package orchestrator 驱动一次请求的完整工作流：分解、计划复核、并发委派、
// 升级处理、结果复核与汇总。每个工作流都有显式的状态机，所有状态迁移都会被校验并记录。
package orchestrator
