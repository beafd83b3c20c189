package theme

func defaults() map[string]Theme {
	fonts := map[string]string{
		"serif": "Literata, Georgia, serif",
		"sans":  "Inter, system-ui, sans-serif",
		"mono":  "JetBrains Mono, monospace",
	}

	return map[string]Theme{
		"dark": {
			ID:          "dark",
			Name:        "Dark",
			Description: "Default dark theme",
			Type:        "dark",
			Colors: map[string]string{
				"background": "#1a1a1a",
				"surface":    "#252525",
				"primary":    "#3b82f6",
				"accent":     "#10b981",
				"text":       "#ffffff",
				"textMuted":  "#a0a0a0",
				"border":     "#404040",
			},
			Fonts:    fonts,
			FontSize: 16,
		},
		"light": {
			ID:          "light",
			Name:        "Light",
			Description: "Default light theme",
			Type:        "light",
			Colors: map[string]string{
				"background": "#ffffff",
				"surface":    "#f5f5f5",
				"primary":    "#3b82f6",
				"accent":     "#10b981",
				"text":       "#1a1a1a",
				"textMuted":  "#666666",
				"border":     "#e0e0e0",
			},
			Fonts:    fonts,
			FontSize: 16,
		},
		"sepia": {
			ID:          "sepia",
			Name:        "Sepia",
			Description: "Warm paper tones for long drafting sessions",
			Type:        "light",
			Colors: map[string]string{
				"background": "#f4ecd8",
				"surface":    "#eee2c4",
				"primary":    "#8b5a2b",
				"accent":     "#a0522d",
				"text":       "#433422",
				"textMuted":  "#7a6a53",
				"border":     "#d8c8a8",
			},
			Fonts:    fonts,
			FontSize: 17,
		},
		"high-contrast": {
			ID:          "high-contrast",
			Name:        "High Contrast",
			Description: "High contrast theme for accessibility",
			Type:        "dark",
			Colors: map[string]string{
				"background": "#000000",
				"surface":    "#1a1a1a",
				"primary":    "#00ffff",
				"accent":     "#00ff00",
				"text":       "#ffffff",
				"textMuted":  "#cccccc",
				"border":     "#ffffff",
			},
			Fonts:    fonts,
			FontSize: 18,
		},
	}
}
