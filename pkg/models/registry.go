package models

// RegistryRecord 账户到金库地址列表的映射
type RegistryRecord map[string][]string

// Normalize 去重并保持插入顺序，丢弃空地址
func Normalize(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}
