package mapping

// Default returns the built-in vocabulary for the Austrian marketplace feeds.
// Makes and models are open vocabularies, so the make table only covers
// labels whose canonical slug is not the label itself; everything else passes
// through. Fuel, car type, color and condition are closed enumerations kept
// in step with the reference dimension rows.
func Default() Set {
	return NewSet(map[string]Table{
		"make": NewTable(map[string]string{
			"Mercedes-Benz": "mercedes_benz",
			"Alfa Romeo":    "alfa_romeo",
			"Land Rover":    "land_rover",
			"Aston Martin":  "aston_martin",
			"Rolls-Royce":   "rolls_royce",
			"VW":            "volkswagen",
		}),
		"fuel": NewTable(map[string]string{
			"Benzin":                  "petrol",
			"Diesel":                  "diesel",
			"Elektro":                 "electric",
			"Hybrid (Benzin/Elektro)": "hybrid_petrol",
			"Hybrid (Diesel/Elektro)": "hybrid_diesel",
			"Gas":                     "gas",
			"Wasserstoff":             "hydrogen",
		}),
		"car_type": NewTable(map[string]string{
			"Klein-/ Kompaktwagen":        "compact_car",
			"Limousine":                   "sedan",
			"Kombi / Family Van":          "station_wagon",
			"SUV / Geländewagen / Pickup": "suv",
			"Cabrio / Roadster":           "convertible",
			"Sportwagen / Coupé":          "sports_car",
			"Kleinbus / Bus":              "bus",
			"Transporter":                 "van",
			"Wohnmobil / Wohnwagen":       "motorhome",
			"Oldtimer":                    "vintage_car",
		}),
		"color": NewTable(map[string]string{
			"Schwarz": "black",
			"Weiß":    "white",
			"Grau":    "grey",
			"Silber":  "silver",
			"Blau":    "blue",
			"Rot":     "red",
			"Grün":    "green",
			"Gelb":    "yellow",
			"Orange":  "orange",
			"Braun":   "brown",
			"Violett": "purple",
			"Gold":    "gold",
			"Beige":   "beige",
			"Bronze":  "bronze",
		}),
		"condition": NewTable(map[string]string{
			"Neuwagen":       "new",
			"Gebrauchtwagen": "used",
			"Jahreswagen":    "annual",
			"Vorführwagen":   "demonstration",
			"Oldtimer":       "vintage",
		}),
	})
}
