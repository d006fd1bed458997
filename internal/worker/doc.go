// Package worker 实现站点离线缓存引擎：按策略调度请求（mediator.go）、
// 管理版本化分区的安装与激活（lifecycle.go），以及消息与延迟同步控制面（control.go）。
//
// Worker 不依赖 HTTP 框架，宿主（internal/gateway）负责把真实流量转换为 Request，
// 并决定哪个版本处于活跃状态。
package worker
