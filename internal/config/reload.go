package config

// Module selection diffing for hot reload. VAD and ASR providers hold
// expensive native or network resources, so they are only re-created
// when their selection or settings actually changed.

func VADChanged(old, new *Config) bool {
	if old.SelectedModule["VAD"] != new.SelectedModule["VAD"] {
		return true
	}
	return old.VAD != new.VAD
}

func ASRChanged(old, new *Config) bool {
	if old.SelectedModule["ASR"] != new.SelectedModule["ASR"] {
		return true
	}
	return old.ASR != new.ASR
}

func LLMChanged(old, new *Config) bool {
	if old.SelectedModule["LLM"] != new.SelectedModule["LLM"] {
		return true
	}
	return old.LLM != new.LLM
}

func TTSChanged(old, new *Config) bool {
	if old.SelectedModule["TTS"] != new.SelectedModule["TTS"] {
		return true
	}
	return old.TTS != new.TTS
}
