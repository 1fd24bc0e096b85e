// 包 vllm 实现 vLLM api_server 的生成后端。
//
// 所有请求均发往 POST /generate；健康探测是一次 max_tokens=1 的生成。
// vLLM 不返回推理耗时，由调用方测量。
package vllm
