/*
包 results 提供按观测保存类型化任务结果的持久化存储。

每条结果以 (split, idx) 为键，行 ID 为 idx*3 + split 序数（train=0,
valid=1, test=2）。记录类型在构造时通过反射映射为列：字符串、布尔、
整数与浮点字段及其指针形式（可空）。布尔值以 INTEGER 存储。

一行要么是记录、要么是生成错误：写入记录会清空错误列，写入
GenerateError 会清空记录列，离线错误不会被写入，其他错误会被拒绝。
写入与记忆存储一样在长事务中批量提交。
*/
package results
