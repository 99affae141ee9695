// Package tests 是内置会议跟进流程的场景测试。
//
// 和 workflow 包里面的单元测试不同, 这里使用真实的外部实现:
//   - crm.Directory / crm.SnapshotSource 读取 sqlite 中的公司用户和会议CRM条目
//   - artifact.Store 保存签署后的pdf
//   - notify.LogNotifier 发送 magic link
//
// 覆盖从填写会议纪要到客户通过 magic link 上传签署合同的完整流程,
// 以及并发提交同一个节点、并发使用同一个链接的场景。
//
// 运行测试
//
// 在项目根目录：
//
//	go test ./internal/tests/...
//
// 查看覆盖率：
//
//	go test -coverprofile=coverage.out -coverpkg=./workflow/...,./internal/... ./internal/tests/...
//	go tool cover -html=coverage.out
package tests
