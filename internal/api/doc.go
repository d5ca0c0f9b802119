// Package api 通过 REST 接口暴露编排服务：任务提交、状态查询、取消、批量聚合、
// 路由列表、健康检查以及 JSON 与 Prometheus 两种格式的指标。
package api
