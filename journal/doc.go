// 版权所有 2024 NoteGen Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 journal 把每次结束的生成写入关系数据库，供排查与统计使用。

Store 实现 session.GenerationRecorder，由 Manager 在生成结束后于
后台协程池中调用；写入失败只记录日志，不影响生成结果。表结构由
GORM AutoMigrate 维护。
*/
package journal
