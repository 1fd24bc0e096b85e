// 包 tgi 实现 text-generation-inference 服务的生成后端。
//
// 健康探测使用 GET /health，后端信息来自 GET /info，生成请求为
// POST / {"inputs", "parameters", "stream": false}。
package tgi
