// Package experiment 生成实验 ID 与持久化目录布局。
//
// 同一实验 ID 同时用作生成缓存与结果存储的文件名，
// 因此参数相同的重复运行会命中同一份缓存。
package experiment
