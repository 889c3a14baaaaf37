package manifest

import "strings"

// versionQuery 是构建工具附加在资源 URL 上的缓存版本后缀。
const versionQuery = "?v="

// NormalizeKey 将请求路径映射为 manifest 键。
//
// scope 为应用基础路径（"" 或 "/app" 形式）；不在 scope 下的请求返回 ok=false。
// 查询串为 "v=" 版本后缀时会被剥离，其它查询串保留在键中（通常导致请求被放行）。
// 空路径与 "#" 片段路径归一为 IndexKey。
func NormalizeKey(scope, rawPath, rawQuery string) (string, bool) {
	rel, ok := stripScope(scope, rawPath)
	if !ok {
		return "", false
	}

	key := strings.TrimPrefix(rel, "/")
	if rawQuery != "" {
		key += "?" + rawQuery
	}
	if idx := strings.Index(key, versionQuery); idx != -1 {
		key = key[:idx]
	}
	if key == "" || strings.HasPrefix(key, "#") {
		return IndexKey, true
	}
	return key, true
}

func stripScope(scope, rawPath string) (string, bool) {
	if scope == "" {
		return rawPath, true
	}
	if rawPath == scope {
		return "", true
	}
	if strings.HasPrefix(rawPath, scope+"/") {
		return strings.TrimPrefix(rawPath, scope), true
	}
	return "", false
}

// ResourcePath 是 NormalizeKey 的逆映射，返回 key 相对源站的请求路径。
func ResourcePath(scope, key string) string {
	if key == IndexKey {
		return scope + "/"
	}
	return scope + "/" + strings.TrimPrefix(key, "/")
}
