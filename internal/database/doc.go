// 版权所有 2024 NoteGen Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 负责打开生成记录所用的关系数据库，并管理其连接池。

# 概述

Open 根据 config.DatabaseConfig 选择 GORM 方言（postgres、mysql、
纯 Go 的 sqlite），PoolManager 负责连接池调优、后台健康检查以及
连接数指标上报。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close()，以及 WithTransaction/WithTransactionRetry。
  - PoolConfig：最大空闲/打开连接数、生命周期与健康检查间隔。

SQLite 固定为单连接。
*/
package database
