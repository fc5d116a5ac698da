// Package decomposer 把用户请求拆分为可委派的子任务。
//
// 分类规则来自规则表（类别、能力标签、关键词、步骤与依赖），分类器可替换；
// 没有命中任何类别时生成唯一的兜底任务。
package decomposer
