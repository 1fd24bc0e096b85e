// 包 offline 提供不调用任何模型服务的后端，用于只读缓存重放。
package offline
