// Package job 提供异步工作流请求的排队执行：作业持久化、消息队列以及消费作业的处理器。
package job
