package content

import "github.com/bytedance/sonic"

var jsonAPI = sonic.ConfigStd

func marshalJSON(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func unmarshalJSON(data []byte, v any) error {
	return jsonAPI.Unmarshal(data, v)
}
