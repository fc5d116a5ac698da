// Package validation 实现计划与结果的复核协议。
//
// 复核代理按名称或能力标签查找；代理不可用时按策略放行（fail_open）或拒绝（fail_closed）。
// 每次复核都会记录为一条 Request。
package validation
